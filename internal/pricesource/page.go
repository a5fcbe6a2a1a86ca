package pricesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

type PageConfig struct {
	PriceSelector string
}

// pageSource reads the price from server-rendered HTML. It only works where
// the retailer renders the selected configuration's price without script.
type pageSource struct {
	url       *url.URL
	selector  string
	userAgent string
	timeout   time.Duration
}

func newPage(cfg Config) *pageSource {
	u, _ := url.Parse(strings.TrimSpace(cfg.URL))
	if u == nil {
		u = &url.URL{}
	}
	sel := strings.TrimSpace(cfg.Page.PriceSelector)
	if sel == "" {
		sel = DefaultPriceSelector
	}
	return &pageSource{url: u, selector: sel, userAgent: cfg.UserAgent, timeout: cfg.Timeout}
}

func (s *pageSource) Name() string { return "page" }

func (s *pageSource) Fetch(ctx context.Context, opts model.Options) (decimal.Decimal, error) {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return decimal.Zero, &FetchError{Kind: KindTimeout, Err: context.DeadlineExceeded}
	}

	// A fresh collector per fetch: colly remembers visited URLs.
	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	var (
		mu     sync.Mutex
		text   string
		found  bool
		status int
	)
	c.OnHTML(s.selector, func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		if found {
			return
		}
		if t := strings.TrimSpace(e.Text); t != "" {
			text, found = t, true
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		status = r.StatusCode
		mu.Unlock()
	})

	err := c.Visit(withOptions(s.url, opts))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return decimal.Zero, &FetchError{Kind: KindTimeout, Err: ctxErr}
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return decimal.Zero, &FetchError{Kind: KindTimeout, Err: err}
		}
		return decimal.Zero, &FetchError{Kind: KindHTTPError, Status: status, Err: err}
	}
	if !found {
		return decimal.Zero, &FetchError{Kind: KindElementNotFound, Err: fmt.Errorf("selector %q matched nothing", s.selector)}
	}
	return ParsePrice(text)
}
