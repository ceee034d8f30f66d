package portal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
)

type ChromeOptions struct {
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath        string
	PageLoadTimeout time.Duration
}

// ChromePage is a headless Chrome tab driven over the DevTools protocol.
type ChromePage struct {
	tab             context.Context
	cancelTab       context.CancelFunc
	cancelAlloc     context.CancelFunc
	pageLoadTimeout time.Duration
}

// NewChromeFactory returns a PageFactory that launches a new headless
// browser per session. The browser outlives the ctx given to the factory;
// it is released by Close.
func NewChromeFactory(log zerolog.Logger, opts ChromeOptions) PageFactory {
	loadTimeout := opts.PageLoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 60 * time.Second
	}

	return func(ctx context.Context) (Page, error) {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Headless,
			chromedp.DisableGPU,
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-software-rasterizer", true),
		)
		if p := strings.TrimSpace(opts.ExecPath); p != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(p))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		tab, cancelTab := chromedp.NewContext(allocCtx,
			chromedp.WithErrorf(func(format string, args ...any) {
				log.Debug().Str("component", "chromedp").Msgf(format, args...)
			}),
		)

		// The first Run starts the browser and must not carry a deadline.
		stop := context.AfterFunc(ctx, cancelAlloc)
		err := chromedp.Run(tab)
		stop()
		if err != nil {
			cancelTab()
			cancelAlloc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		return &ChromePage{
			tab:             tab,
			cancelTab:       cancelTab,
			cancelAlloc:     cancelAlloc,
			pageLoadTimeout: loadTimeout,
		}, nil
	}
}

// run executes actions on the tab, bounded by both ctx and the tab's life.
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	actx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		actx, cancelDL = context.WithDeadline(actx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(actx, actions...); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return classify(err)
	}
	return nil
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	nctx, cancel := context.WithTimeout(ctx, p.pageLoadTimeout)
	defer cancel()
	return p.run(nctx, chromedp.Navigate(url))
}

func (p *ChromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *ChromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *ChromePage) Submit(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (p *ChromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *ChromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.run(ctx, chromedp.Evaluate("document.querySelectorAll("+jsString(selector)+").length", &n))
	return n, err
}

func (p *ChromePage) Rows(ctx context.Context, rowSelector string) ([][]string, error) {
	script := "Array.from(document.querySelectorAll(" + jsString(rowSelector) + "))" +
		".map(r => Array.from(r.querySelectorAll(" + jsString(CellSelector) + ")).map(c => c.innerText))"
	var rows [][]string
	err := p.run(ctx, chromedp.Evaluate(script, &rows))
	return rows, err
}

func (p *ChromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Close shuts the browser down. It is safe to call more than once.
func (p *ChromePage) Close() error {
	err := chromedp.Cancel(p.tab)
	p.cancelTab()
	p.cancelAlloc()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// classify maps driver errors onto fault kinds. Timeouts, refused
// connections and a dead browser are connection-class so the poller can
// recover the session.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.New(fault.Connection, "timeout", err)
	case errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget):
		return fault.New(fault.Connection, "browser gone", err)
	}
	msg := err.Error()
	for _, marker := range []string{"net::ERR_", "connection refused", "websocket", "target closed"} {
		if strings.Contains(msg, marker) {
			return fault.New(fault.Connection, "browser", err)
		}
	}
	return err
}
