package pricesource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

var testOptions = model.Options{
	{Name: "Size", Value: "5'0 King"},
	{Name: "Comfort", Value: "Very Firm"},
}

func wantKind(t *testing.T, err error, kind Kind) *FetchError {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err=%v (%T), want *FetchError", err, err)
	}
	if fe.Kind != kind {
		t.Fatalf("kind=%s want %s (err=%v)", fe.Kind, kind, err)
	}
	return fe
}

func TestParsePrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		kind Kind
	}{
		{in: "£1,399.00", want: "1399"},
		{in: "  £ 1,399.00\n", want: "1399"},
		{in: "849", want: "849"},
		{in: "Now £12,345.67 inc VAT", want: "12345.67"},
		{in: "£1.399,00", want: "1399"},
		{in: "1 399,50 €", want: "1399.5"},
		{in: "€1.234.567", want: "1234567"},
		{in: "£1,234,567.89", want: "1234567.89"},
		{in: "£1,399", want: "1399"},
		{in: "1399,5", want: "1399.5"},
		{in: "Only £849.", want: "849"},
		{in: "", kind: KindParseFailure},
		{in: "   ", kind: KindParseFailure},
		{in: "Price unavailable", kind: KindParseFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePrice(tt.in)
			if tt.kind != "" {
				wantKind(t, err, tt.kind)
				if !got.IsZero() {
					t.Fatalf("price=%s on error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want model.Outcome
	}{
		{nil, model.OutcomeSuccess},
		{&FetchError{Kind: KindTimeout}, model.OutcomeTimeout},
		{fmt.Errorf("wrapped: %w", &FetchError{Kind: KindElementNotFound}), model.OutcomeElementNotFound},
		{&FetchError{Kind: KindParseFailure}, model.OutcomeParseFailure},
		{&FetchError{Kind: KindHTTPError, Status: 503}, model.OutcomeHTTPError},
		{errors.New("boom"), model.OutcomeHTTPError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v)=%s want %s", tt.err, got, tt.want)
		}
	}
}

func newAPITest(t *testing.T, h http.HandlerFunc, path string) Source {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	src, err := New(Config{
		Strategy: "api",
		Timeout:  2 * time.Second,
		API:      APIConfig{Endpoint: ts.URL + "/p/131?lang=en", PricePath: path},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func TestAPISource(t *testing.T) {
	t.Parallel()

	t.Run("number and query options", func(t *testing.T) {
		t.Parallel()
		src := newAPITest(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("Size") != "5'0 King" || q.Get("Comfort") != "Very Firm" || q.Get("lang") != "en" {
				http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"productData":{"price":{"value":1399.00}}}`)
		}, "")
		got, err := src.Fetch(context.Background(), testOptions)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !got.Equal(decimal.NewFromInt(1399)) {
			t.Fatalf("price=%s", got)
		}
		if src.Name() != "api" {
			t.Fatalf("name=%s", src.Name())
		}
	})

	t.Run("string value and array path", func(t *testing.T) {
		t.Parallel()
		src := newAPITest(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"variants":[{"price":"£1,249.50"}]}`)
		}, "variants.0.price")
		got, err := src.Fetch(context.Background(), testOptions)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !got.Equal(decimal.RequireFromString("1249.50")) {
			t.Fatalf("price=%s", got)
		}
	})

	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{name: "server error", status: 503, body: `oops`, kind: KindHTTPError},
		{name: "not found", status: 404, body: `{}`, kind: KindHTTPError},
		{name: "missing field", status: 200, body: `{"productData":{}}`, kind: KindElementNotFound},
		{name: "null field", status: 200, body: `{"productData":{"price":{"value":null}}}`, kind: KindElementNotFound},
		{name: "unparseable", status: 200, body: `{"productData":{"price":{"value":"call us"}}}`, kind: KindParseFailure},
		{name: "zero price", status: 200, body: `{"productData":{"price":{"value":0}}}`, kind: KindParseFailure},
		{name: "not json", status: 200, body: `<html>`, kind: KindParseFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := newAPITest(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, "")
			got, err := src.Fetch(context.Background(), testOptions)
			fe := wantKind(t, err, tt.kind)
			if tt.kind == KindHTTPError && fe.Status != tt.status {
				t.Fatalf("status=%d want %d", fe.Status, tt.status)
			}
			if !got.IsZero() {
				t.Fatalf("price=%s on error", got)
			}
		})
	}

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() { close(release); ts.Close() })
		src, err := New(Config{Strategy: "api", Timeout: 100 * time.Millisecond, API: APIConfig{Endpoint: ts.URL}}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		_, err = src.Fetch(context.Background(), testOptions)
		wantKind(t, err, KindTimeout)
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		ts := httptest.NewServer(http.NotFoundHandler())
		addr := ts.URL
		ts.Close()
		src, err := New(Config{Strategy: "api", Timeout: 2 * time.Second, API: APIConfig{Endpoint: addr}}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		_, err = src.Fetch(context.Background(), testOptions)
		fe := wantKind(t, err, KindHTTPError)
		if fe.Status != 0 {
			t.Fatalf("status=%d want 0", fe.Status)
		}
	})
}

const productPage = `<!doctype html>
<html><body>
  <div class="product">
    <h1>Flaxby Oxtons Guild</h1>
    <p class="heading dreams-product-price__price"> £1,399.00 </p>
  </div>
</body></html>`

func TestPageSource(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/product":
			if r.URL.Query().Get("Size") != "5'0 King" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, productPage)
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><p>sold out</p></body></html>`)
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	t.Cleanup(ts.Close)

	newPageSrc := func(path string) Source {
		src, err := New(Config{Strategy: "page", URL: ts.URL + path, Timeout: 2 * time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return src
	}

	t.Run("price", func(t *testing.T) {
		t.Parallel()
		src := newPageSrc("/product")
		// Fetch twice: the collector must not refuse a revisit.
		for i := 0; i < 2; i++ {
			got, err := src.Fetch(context.Background(), testOptions)
			if err != nil {
				t.Fatalf("Fetch #%d: %v", i, err)
			}
			if !got.Equal(decimal.NewFromInt(1399)) {
				t.Fatalf("price=%s", got)
			}
		}
	})

	t.Run("missing selector", func(t *testing.T) {
		t.Parallel()
		_, err := newPageSrc("/empty").Fetch(context.Background(), testOptions)
		wantKind(t, err, KindElementNotFound)
	})

	t.Run("http status", func(t *testing.T) {
		t.Parallel()
		_, err := newPageSrc("/missing").Fetch(context.Background(), testOptions)
		fe := wantKind(t, err, KindHTTPError)
		if fe.Status != http.StatusGone {
			t.Fatalf("status=%d", fe.Status)
		}
	})
}

func TestOptionXPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value string
		want  string
	}{
		{`Very Firm`, `//button[.//span[normalize-space(.)="Very Firm"]]`},
		{` 5'0 King `, `//button[.//span[normalize-space(.)="5'0 King"]]`},
		{`12" deep`, `//button[.//span[normalize-space(.)='12" deep']]`},
		{`5'0" King`, `//button[.//span[normalize-space(.)=concat("5'0",'"'," King")]]`},
	}
	for _, tt := range tests {
		if got := optionXPath(tt.value); got != tt.want {
			t.Errorf("optionXPath(%q)=%s want %s", tt.value, got, tt.want)
		}
	}
}

func TestBrowserDefaults(t *testing.T) {
	t.Parallel()
	b := newBrowser(Config{URL: "https://example.com/p"}, logx.Nop())
	if b.cfg.Headful {
		t.Fatal("zero config should run headless")
	}
	if b.cfg.PriceSelector != DefaultPriceSelector || b.cfg.ElementWait != 20*time.Second {
		t.Fatalf("cfg=%+v", b.cfg)
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Strategy: "psychic"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(Config{Strategy: "api"}, logx.Nop()); err == nil {
		t.Fatal("expected error for api without endpoint")
	}
}

type stubSource struct {
	price decimal.Decimal
	err   error
	wait  bool
}

func (s stubSource) Name() string { return "stub" }

func (s stubSource) Fetch(ctx context.Context, _ model.Options) (decimal.Decimal, error) {
	if s.wait {
		<-ctx.Done()
		return decimal.Zero, errors.New("element wait aborted")
	}
	return s.price, s.err
}

func TestGuardedClassifies(t *testing.T) {
	t.Parallel()
	g := &guarded{inner: stubSource{wait: true}, timeout: 20 * time.Millisecond, log: logx.Nop()}
	_, err := g.Fetch(context.Background(), nil)
	wantKind(t, err, KindTimeout)

	g = &guarded{inner: stubSource{err: errors.New("conn reset")}, timeout: time.Second, log: logx.Nop()}
	_, err = g.Fetch(context.Background(), nil)
	wantKind(t, err, KindHTTPError)

	g = &guarded{inner: stubSource{price: decimal.NewFromInt(-5)}, timeout: time.Second, log: logx.Nop()}
	_, err = g.Fetch(context.Background(), nil)
	wantKind(t, err, KindParseFailure)
}
