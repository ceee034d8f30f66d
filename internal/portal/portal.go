// Package portal drives the SAJ operator dashboard through a headless
// browser: it owns the login session and exposes a narrow page capability
// to the row extractor.
package portal

import (
	"context"
	"net/url"
	"strings"
)

// Selectors of the portal pages.
const (
	UsernameSelector = `input[placeholder="Username/Email"]`
	PasswordSelector = `input[type="password"]`
	RowSelector      = `.el-table__body-wrapper tbody tr`
	CellSelector     = `td`
)

// Page is the subset of browser operations the scraper needs. Every call is
// bounded by ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// Submit presses Enter in the element matched by selector.
	Submit(ctx context.Context, selector string) error
	Location(ctx context.Context) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	// Rows returns the text of every CellSelector cell of every row matched
	// by rowSelector, in document order.
	Rows(ctx context.Context, rowSelector string) ([][]string, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

// PageFactory starts a fresh browser and returns its page.
type PageFactory func(ctx context.Context) (Page, error)

// URLs derives the portal endpoints from the configured base URL.
type URLs struct {
	Base string
}

func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(strings.TrimSpace(base), "/")}
}

func (u URLs) Login() string {
	return u.Base + "/login"
}

// Index is where a successful login lands.
func (u URLs) Index() string {
	return u.Base + "/index"
}

func (u URLs) Data(serial string) string {
	return u.DataPrefix() + "?deviceSn=" + url.QueryEscape(serial)
}

// DataPrefix is the data URL without the per-device query.
func (u URLs) DataPrefix() string {
	return u.Base + "/monitor/data-show-tab"
}
