// Package pricesource obtains the current price of the configured product.
//
// One Source exists per strategy:
//   - "browser": drives headless Chrome through the product page (chromedp)
//   - "api":     one GET to a JSON endpoint, price read by dot path
//   - "page":    one GET of the static HTML, price read by CSS selector (colly)
//
// Every strategy returns either a positive price or a *FetchError; it never
// falls back to a default or previously seen value.
package pricesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

// Source fetches the price for one product configuration.
type Source interface {
	Name() string
	Fetch(ctx context.Context, opts model.Options) (decimal.Decimal, error)
}

const (
	DefaultTimeout       = 60 * time.Second
	DefaultUserAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultPriceSelector = ".heading.dreams-product-price__price"
	DefaultConsentButton = "#onetrust-accept-btn-handler"
	DefaultPricePath     = "productData.price.value"
)

type Config struct {
	Strategy   string
	URL        string
	Timeout    time.Duration
	UserAgent  string
	RatePerSec int

	Browser BrowserConfig
	API     APIConfig
	Page    PageConfig
}

// New builds the configured strategy wrapped with the overall timeout and
// the optional outbound rate limit.
func New(cfg Config, log logx.Logger) (Source, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	strategy := strings.ToLower(strings.TrimSpace(cfg.Strategy))
	log = log.With(logx.String("comp", "pricesource"), logx.String("strategy", strategy))

	var (
		src Source
		err error
	)
	switch strategy {
	case "", "browser":
		src = newBrowser(cfg, log)
	case "api":
		src, err = newAPI(cfg)
	case "page":
		src = newPage(cfg)
	default:
		return nil, fmt.Errorf("unknown source strategy: %s", cfg.Strategy)
	}
	if err != nil {
		return nil, err
	}

	g := &guarded{inner: src, timeout: cfg.Timeout, log: log}
	if cfg.RatePerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return g, nil
}

// guarded bounds each fetch by the overall timeout and normalizes whatever
// the strategy returned into a *FetchError.
type guarded struct {
	inner   Source
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) Fetch(ctx context.Context, opts model.Options) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return decimal.Zero, &FetchError{Kind: KindTimeout, Err: err}
		}
	}

	start := time.Now()
	price, err := g.inner.Fetch(ctx, opts)
	if err != nil {
		err = classify(ctx, err)
		g.log.Debug("fetch failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, &FetchError{Kind: KindParseFailure, Err: fmt.Errorf("non-positive price %s", price)}
	}
	g.log.Debug("fetch ok", logx.Duration("took", time.Since(start)), logx.String("price", price.StringFixed(2)))
	return price, nil
}

// classify maps err to a *FetchError. An expired overall deadline always
// wins over whatever the strategy reported.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var fe *FetchError
		if errors.As(err, &fe) && fe.Kind == KindTimeout {
			return fe
		}
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindHTTPError, Err: err}
}
