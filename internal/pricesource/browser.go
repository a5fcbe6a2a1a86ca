package pricesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

type BrowserConfig struct {
	PriceSelector   string
	ConsentSelector string
	ConsentWait     time.Duration
	ElementWait     time.Duration
	SettleDelay     time.Duration
	// Headful shows the browser window; the zero value runs headless.
	Headful  bool
	ExecPath string
}

// browserSource starts an isolated Chrome per fetch; nothing is shared
// between fetches.
type browserSource struct {
	url       string
	userAgent string
	cfg       BrowserConfig
	log       logx.Logger
}

func newBrowser(cfg Config, log logx.Logger) *browserSource {
	b := cfg.Browser
	if strings.TrimSpace(b.PriceSelector) == "" {
		b.PriceSelector = DefaultPriceSelector
	}
	if strings.TrimSpace(b.ConsentSelector) == "" {
		b.ConsentSelector = DefaultConsentButton
	}
	if b.ConsentWait <= 0 {
		b.ConsentWait = 5 * time.Second
	}
	if b.ElementWait <= 0 {
		b.ElementWait = 20 * time.Second
	}
	if b.SettleDelay <= 0 {
		b.SettleDelay = 500 * time.Millisecond
	}
	return &browserSource{url: cfg.URL, userAgent: cfg.UserAgent, cfg: b, log: log}
}

func (s *browserSource) Name() string { return "browser" }

func (s *browserSource) Fetch(ctx context.Context, opts model.Options) (decimal.Decimal, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !s.cfg.Headful),
		chromedp.UserAgent(s.userAgent),
		chromedp.WindowSize(1366, 900),
	)
	if s.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(s.url)); err != nil {
		return decimal.Zero, s.stepErr(ctx, nil, "navigate", err)
	}

	// The consent banner is optional; missing it is not an error.
	if err := s.step(tabCtx, s.cfg.ConsentWait, chromedp.Click(s.cfg.ConsentSelector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		s.log.Debug("consent banner not dismissed", logx.Err(err))
	}

	for _, o := range opts {
		xp := optionXPath(o.Value)
		var clicked bool
		err := s.step(tabCtx, s.cfg.ElementWait,
			chromedp.WaitReady(xp, chromedp.BySearch),
			chromedp.Evaluate(clickScript(xp), &clicked),
		)
		if err == nil && !clicked {
			err = &FetchError{Kind: KindElementNotFound, Err: fmt.Errorf("option %s=%q vanished before click", o.Name, o.Value)}
		}
		if err != nil {
			return decimal.Zero, s.stepErr(ctx, tabCtx, "option "+o.Name, err)
		}
	}

	var text string
	err := s.step(tabCtx, s.cfg.ElementWait,
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Text(s.cfg.PriceSelector, &text, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return decimal.Zero, s.stepErr(ctx, tabCtx, "price", err)
	}
	return ParsePrice(text)
}

// step runs actions under a per-step wait derived from the tab context.
func (s *browserSource) step(tabCtx context.Context, wait time.Duration, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(tabCtx, wait)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

// stepErr: the overall deadline expiring is a timeout; a step wait expiring
// while the overall deadline is still live means the element never showed.
func (s *browserSource) stepErr(ctx, tabCtx context.Context, what string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if ctx.Err() != nil {
		return &FetchError{Kind: KindTimeout, Err: fmt.Errorf("%s: %w", what, ctx.Err())}
	}
	if tabCtx != nil && errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindElementNotFound, Err: fmt.Errorf("%s: %w", what, err)}
	}
	return &FetchError{Kind: KindHTTPError, Err: fmt.Errorf("%s: %w", what, err)}
}

// optionXPath matches the option button whose label span reads value.
func optionXPath(value string) string {
	return `//button[.//span[normalize-space(.)=` + xpathLiteral(strings.TrimSpace(value)) + `]]`
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	switch {
	case !strings.Contains(s, `"`):
		return `"` + s + `"`
	case !strings.Contains(s, `'`):
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	out := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			out = append(out, `'"'`)
		}
		if p != "" {
			out = append(out, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(out, ",") + ")"
}

// clickScript clicks through JS; overlays on the retailer's page intercept
// synthetic mouse clicks.
func clickScript(xpath string) string {
	return fmt.Sprintf(`(() => {
  const n = document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!n) return false;
  n.click();
  return true;
})()`, xpath)
}
