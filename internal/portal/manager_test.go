package portal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/portal/portaltest"
)

const testBase = "https://portal.test"

func newTestManager(t *testing.T, factory PageFactory) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop(), factory, Options{
		URLs:              NewURLs(testBase),
		Username:          "user@example.com",
		Password:          "secret",
		DebugDir:          t.TempDir(),
		LoginTimeout:      50 * time.Millisecond,
		LoginPollInterval: time.Millisecond,
	}, nil)
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	m.now = func() time.Time { return time.Unix(1717236000, 0) }
	return m
}

func loginOKPage() *portaltest.Page {
	return &portaltest.Page{AfterSubmitURL: testBase + "/index"}
}

func TestEnsure_LogsInOnceAndReusesSession(t *testing.T) {
	calls := 0
	page := loginOKPage()
	m := newTestManager(t, func(context.Context) (Page, error) {
		calls++
		return page, nil
	})

	got, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != page {
		t.Fatalf("expected the created page")
	}
	if page.Filled[UsernameSelector] != "user@example.com" || page.Filled[PasswordSelector] != "secret" {
		t.Fatalf("credentials not filled: %#v", page.Filled)
	}
	if page.Submits != 1 {
		t.Fatalf("expected one submit, got %d", page.Submits)
	}
	if len(page.Navigations) != 1 || page.Navigations[0] != testBase+"/login" {
		t.Fatalf("expected navigation to login page, got %v", page.Navigations)
	}

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected browser started once, got %d", calls)
	}
}

func TestEnsure_DriverInitFailure(t *testing.T) {
	m := newTestManager(t, func(context.Context) (Page, error) {
		return nil, errors.New("chrome not found")
	})

	_, err := m.Ensure(context.Background())
	if !fault.Is(err, fault.DriverInit) {
		t.Fatalf("expected driver init fault, got %v", err)
	}
}

func TestEnsure_LoginFailureCapturesAndCloses(t *testing.T) {
	page := &portaltest.Page{Body: "<html>bad password</html>"}
	m := newTestManager(t, func(context.Context) (Page, error) { return page, nil })

	_, err := m.Ensure(context.Background())
	if !fault.Is(err, fault.Auth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
	if page.Closed != 1 {
		t.Fatalf("expected page closed after failed login, got %d", page.Closed)
	}
	if m.page != nil {
		t.Fatalf("session must not be held after failed login")
	}

	b, err := os.ReadFile(filepath.Join(m.debugDir, "saj_debug_login_failed_1717236000.html"))
	if err != nil {
		t.Fatalf("expected diagnostic file: %v", err)
	}
	want := "<!-- URL: " + testBase + "/login -->\n<html>bad password</html>"
	if string(b) != want {
		t.Fatalf("unexpected capture %q", string(b))
	}
}

func TestEnsure_UsernameFieldNeverVisible(t *testing.T) {
	page := loginOKPage()
	page.WaitVisibleFunc = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(t, func(context.Context) (Page, error) { return page, nil })

	_, err := m.Ensure(context.Background())
	if !fault.Is(err, fault.Auth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
}

func TestNavigate_RetriesThenSucceeds(t *testing.T) {
	failures := 2
	page := &portaltest.Page{NavigateFunc: func(context.Context, string) error {
		if failures > 0 {
			failures--
			return errors.New("net::ERR_CONNECTION_REFUSED")
		}
		return nil
	}}
	m := newTestManager(t, nil)

	if err := m.Navigate(context.Background(), page, testBase+"/index"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if len(page.Navigations) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(page.Navigations))
	}
}

func TestNavigate_GivesUpAfterThreeAttempts(t *testing.T) {
	page := &portaltest.Page{NavigateFunc: func(context.Context, string) error {
		return errors.New("boom")
	}}
	m := newTestManager(t, nil)
	target := testBase + "/monitor/data-show-tab?deviceSn=SN1"

	err := m.Navigate(context.Background(), page, target)
	if !fault.Is(err, fault.Connection) {
		t.Fatalf("expected connection fault, got %v", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.URL != target {
		t.Fatalf("expected url on error, got %v", err)
	}
	if len(page.Navigations) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(page.Navigations))
	}
}

func TestNavigate_OnlyPreDelayBetweenAttempts(t *testing.T) {
	page := &portaltest.Page{NavigateFunc: func(context.Context, string) error {
		return errors.New("net::ERR_CONNECTION_REFUSED")
	}}
	m := newTestManager(t, nil)
	var slept []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}

	start := time.Now()
	_ = m.Navigate(context.Background(), page, testBase+"/index")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected no wait beyond the pre-navigation delay, took %s", elapsed)
	}
	if len(slept) != 3 {
		t.Fatalf("expected a pre-navigation delay per attempt, got %v", slept)
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Fatalf("expected 2s pre-navigation delay, got %s", d)
		}
	}
}

func TestNavigate_StopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	page := &portaltest.Page{NavigateFunc: func(context.Context, string) error {
		cancel()
		return errors.New("interrupted")
	}}
	m := newTestManager(t, nil)

	err := m.Navigate(ctx, page, testBase+"/index")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if len(page.Navigations) != 1 {
		t.Fatalf("expected no retry after shutdown, got %d attempts", len(page.Navigations))
	}
}

func TestExpired(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if !m.Expired(ctx, &portaltest.Page{URL: testBase + "/login?redirect=%2Findex"}) {
		t.Fatalf("login url must count as expired")
	}
	withForm := &portaltest.Page{
		URL: testBase + "/monitor/data-show-tab?deviceSn=SN1",
		CountFunc: func(_ context.Context, sel string) (int, error) {
			if sel == UsernameSelector {
				return 1, nil
			}
			return 0, nil
		},
	}
	if !m.Expired(ctx, withForm) {
		t.Fatalf("visible login form must count as expired")
	}
	if m.Expired(ctx, &portaltest.Page{URL: testBase + "/monitor/data-show-tab?deviceSn=SN1"}) {
		t.Fatalf("data page must not count as expired")
	}
}

func TestRecover_ReplacesSession(t *testing.T) {
	var pages []*portaltest.Page
	m := newTestManager(t, func(context.Context) (Page, error) {
		p := loginOKPage()
		pages = append(pages, p)
		return p, nil
	})

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(pages) != 2 || got != pages[1] {
		t.Fatalf("expected a fresh session, got %d pages", len(pages))
	}
	if pages[0].Closed != 1 {
		t.Fatalf("expected old session closed")
	}
}

func TestCapture_UnresponsivePage(t *testing.T) {
	m := newTestManager(t, nil)
	page := &portaltest.Page{LocationFunc: func(context.Context) (string, error) {
		return "", errors.New("browser gone")
	}}

	path := m.Capture(context.Background(), page, "data_connrefused", "Roof/East")
	if !strings.HasSuffix(path, "saj_debug_data_connrefused_Roof_East_1717236000.html") {
		t.Fatalf("unexpected capture path %q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if !strings.Contains(string(b), "<no driver or driver disconnected>") {
		t.Fatalf("expected placeholder, got %q", string(b))
	}
}
