// Package portaltest provides a scriptable in-memory portal.Page.
package portaltest

import (
	"context"
)

// Page records calls and answers from its fields. Func fields override the
// default behavior when set.
type Page struct {
	URL            string
	AfterSubmitURL string
	Body           string
	RowData        [][]string

	NavigateFunc    func(ctx context.Context, url string) error
	WaitVisibleFunc func(ctx context.Context, selector string) error
	LocationFunc    func(ctx context.Context) (string, error)
	CountFunc       func(ctx context.Context, selector string) (int, error)
	RowsFunc        func(ctx context.Context, rowSelector string) ([][]string, error)
	HTMLFunc        func(ctx context.Context) (string, error)

	Navigations []string
	Filled      map[string]string
	Submits     int
	Closed      int
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.Navigations = append(p.Navigations, url)
	if p.NavigateFunc != nil {
		if err := p.NavigateFunc(ctx, url); err != nil {
			return err
		}
	}
	p.URL = url
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if p.WaitVisibleFunc != nil {
		return p.WaitVisibleFunc(ctx, selector)
	}
	return nil
}

func (p *Page) Fill(_ context.Context, selector, value string) error {
	if p.Filled == nil {
		p.Filled = make(map[string]string)
	}
	p.Filled[selector] = value
	return nil
}

func (p *Page) Submit(context.Context, string) error {
	p.Submits++
	if p.AfterSubmitURL != "" {
		p.URL = p.AfterSubmitURL
	}
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	if p.LocationFunc != nil {
		return p.LocationFunc(ctx)
	}
	return p.URL, nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	if p.CountFunc != nil {
		return p.CountFunc(ctx, selector)
	}
	return 0, nil
}

func (p *Page) Rows(ctx context.Context, rowSelector string) ([][]string, error) {
	if p.RowsFunc != nil {
		return p.RowsFunc(ctx, rowSelector)
	}
	return p.RowData, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if p.HTMLFunc != nil {
		return p.HTMLFunc(ctx)
	}
	return p.Body, nil
}

func (p *Page) Close() error {
	p.Closed++
	return nil
}
