package pricesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

type APIConfig struct {
	Endpoint string
	// PricePath is a dot path into the JSON body; numeric segments index
	// arrays ("items.0.price").
	PricePath string
}

type apiSource struct {
	endpoint  *url.URL
	pricePath []string
	userAgent string
	client    *http.Client
}

func newAPI(cfg Config) (*apiSource, error) {
	raw := strings.TrimSpace(cfg.API.Endpoint)
	if raw == "" {
		return nil, errors.New("api endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("api endpoint: %w", err)
	}
	path := strings.TrimSpace(cfg.API.PricePath)
	if path == "" {
		path = DefaultPricePath
	}
	return &apiSource{
		endpoint:  u,
		pricePath: strings.Split(path, "."),
		userAgent: cfg.UserAgent,
		client:    &http.Client{},
	}, nil
}

func (s *apiSource) Name() string { return "api" }

func (s *apiSource) Fetch(ctx context.Context, opts model.Options) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withOptions(s.endpoint, opts), nil)
	if err != nil {
		return decimal.Zero, &FetchError{Kind: KindHTTPError, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, &FetchError{Kind: KindHTTPError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return decimal.Zero, &FetchError{Kind: KindHTTPError, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return decimal.Zero, &FetchError{Kind: KindHTTPError, Status: resp.StatusCode, Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: fmt.Errorf("decode body: %w", err)}
	}

	v, ok := lookupPath(doc, s.pricePath)
	if !ok || v == nil {
		return decimal.Zero, &FetchError{Kind: KindElementNotFound, Err: fmt.Errorf("no value at %q", strings.Join(s.pricePath, "."))}
	}
	switch p := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(p.String())
		if err != nil {
			return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: err}
		}
		return d, nil
	case string:
		return ParsePrice(p)
	default:
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: fmt.Errorf("unexpected %T at price path", v)}
	}
}

// withOptions returns base with each option added as a query parameter,
// keeping any query the endpoint already carries.
func withOptions(base *url.URL, opts model.Options) string {
	u := *base
	q := u.Query()
	for _, o := range opts {
		q.Set(o.Name, o.Value)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func lookupPath(doc any, path []string) (any, bool) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
