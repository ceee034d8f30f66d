package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/metrics"
)

type Options struct {
	URLs     URLs
	Username string
	Password string
	DebugDir string

	LoginTimeout      time.Duration
	LoginPollInterval time.Duration

	// PreNavigateDelay is slept before every navigation attempt. Zero means
	// the default; a negative value disables it. RetryDelay is waited on top
	// of it between failed attempts and defaults to none.
	PreNavigateDelay time.Duration
	NavigateAttempts int
	RetryDelay       time.Duration
	RecoverCooldown  time.Duration
	CaptureTimeout   time.Duration
}

// Manager owns at most one logged-in browser page. It is not safe for
// concurrent use; the poller is its only caller.
type Manager struct {
	log      zerolog.Logger
	newPage  PageFactory
	urls     URLs
	username string
	password string
	debugDir string

	loginTimeout      time.Duration
	loginPollInterval time.Duration
	preNavigateDelay  time.Duration
	navigateAttempts  int
	retryDelay        time.Duration
	recoverCooldown   time.Duration
	captureTimeout    time.Duration

	metrics *metrics.Metrics
	page    Page

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewManager(log zerolog.Logger, newPage PageFactory, opts Options, m *metrics.Metrics) *Manager {
	loginTimeout := opts.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = 30 * time.Second
	}
	loginPoll := opts.LoginPollInterval
	if loginPoll <= 0 {
		loginPoll = 500 * time.Millisecond
	}
	preDelay := opts.PreNavigateDelay
	if preDelay < 0 {
		preDelay = 0
	} else if preDelay == 0 {
		preDelay = 2 * time.Second
	}
	attempts := opts.NavigateAttempts
	if attempts <= 0 {
		attempts = 3
	}
	retryDelay := max(opts.RetryDelay, 0)
	cooldown := opts.RecoverCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	captureTimeout := opts.CaptureTimeout
	if captureTimeout <= 0 {
		captureTimeout = 10 * time.Second
	}
	debugDir := strings.TrimSpace(opts.DebugDir)
	if debugDir == "" {
		debugDir = "/data"
	}

	return &Manager{
		log:               log,
		newPage:           newPage,
		urls:              opts.URLs,
		username:          opts.Username,
		password:          opts.Password,
		debugDir:          debugDir,
		loginTimeout:      loginTimeout,
		loginPollInterval: loginPoll,
		preNavigateDelay:  preDelay,
		navigateAttempts:  attempts,
		retryDelay:        retryDelay,
		recoverCooldown:   cooldown,
		captureTimeout:    captureTimeout,
		metrics:           m,
		sleep:             sleepCtx,
		now:               time.Now,
	}
}

// Ensure returns the held page, creating a browser and logging in first when
// there is none. Failures are fault.DriverInit or fault.Auth; the caller's
// context error is returned as is.
func (m *Manager) Ensure(ctx context.Context) (Page, error) {
	if m.page != nil {
		return m.page, nil
	}

	m.log.Info().Msg("starting browser session")
	page, err := m.newPage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.metrics.IncLogin("driver_init")
		return nil, fault.New(fault.DriverInit, "start browser", err)
	}

	if err := m.login(ctx, page); err != nil {
		if ctx.Err() == nil {
			m.metrics.IncLogin("auth")
			m.log.Error().Err(err).Msg("portal login failed")
			m.Capture(ctx, page, "login_failed", "")
		}
		if cerr := page.Close(); cerr != nil {
			m.log.Warn().Err(cerr).Msg("failed to close browser after login failure")
		}
		return nil, err
	}

	m.metrics.IncLogin("ok")
	m.log.Info().Msg("portal login successful")
	m.page = page
	return page, nil
}

func (m *Manager) login(ctx context.Context, page Page) error {
	authErr := func(op string, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.New(fault.Auth, op, err)
	}

	if err := m.Navigate(ctx, page, m.urls.Login()); err != nil {
		return authErr("open login page", err)
	}

	wctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	if err := page.WaitVisible(wctx, UsernameSelector); err != nil {
		return authErr("wait for username field", err)
	}
	if err := page.Fill(wctx, UsernameSelector, m.username); err != nil {
		return authErr("fill username", err)
	}
	if err := page.Fill(wctx, PasswordSelector, m.password); err != nil {
		return authErr("fill password", err)
	}
	if err := page.Submit(wctx, PasswordSelector); err != nil {
		return authErr("submit login", err)
	}

	want := m.urls.Index()
	var last string
	for {
		loc, err := page.Location(wctx)
		if err == nil {
			last = loc
			if strings.TrimRight(loc, "/") == want {
				return nil
			}
		}
		if err := m.sleep(wctx, m.loginPollInterval); err != nil {
			return authErr("await dashboard", fmt.Errorf("still at %q after %s: %w", last, m.loginTimeout, err))
		}
	}
}

// Expired reports whether page shows the login screen instead of content.
func (m *Manager) Expired(ctx context.Context, page Page) bool {
	if page == nil {
		return true
	}
	loc, err := page.Location(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("could not read location while checking session")
		return false
	}
	if strings.Contains(loc, m.urls.Login()) {
		return true
	}
	n, err := page.Count(ctx, UsernameSelector)
	if err != nil {
		m.log.Debug().Err(err).Msg("could not look for login form while checking session")
		return false
	}
	return n > 0
}

// Navigate loads target, retrying up to NavigateAttempts times. Every
// attempt is preceded by the pre-navigation delay.
func (m *Manager) Navigate(ctx context.Context, page Page, target string) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := m.sleep(ctx, m.preNavigateDelay); err != nil {
			return backoff.Permanent(err)
		}
		m.log.Debug().Str("url", target).Int("attempt", attempt).Msg("navigating")
		err := page.Navigate(ctx, target)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(m.navigateAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		m.log.Warn().Err(err).Str("url", target).Int("attempt", attempt).Dur("retry_in", wait).Msg("navigation failed")
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.log.Error().Err(err).Str("url", target).Int("attempts", attempt).Msg("all navigation attempts failed")
	if fault.KindOf(err) == fault.Unknown {
		err = fault.New(fault.Connection, "navigate", err)
	}
	return fault.WithURL(err, target)
}

// Recover discards the session, waits the cooldown and logs in again.
func (m *Manager) Recover(ctx context.Context) (Page, error) {
	m.log.Info().Dur("cooldown", m.recoverCooldown).Msg("recovering browser session")
	m.Invalidate()
	if err := m.sleep(ctx, m.recoverCooldown); err != nil {
		return nil, err
	}
	return m.Ensure(ctx)
}

// Invalidate drops the held session so the next Ensure logs in again.
func (m *Manager) Invalidate() {
	if m.page == nil {
		return
	}
	if err := m.page.Close(); err != nil {
		m.log.Warn().Err(err).Msg("failed to close browser session")
	}
	m.page = nil
}

func (m *Manager) Close() error {
	if m.page == nil {
		return nil
	}
	err := m.page.Close()
	m.page = nil
	return err
}

// Capture writes the current page source to the debug directory for later
// inspection. It never fails; problems are logged. The written path is
// returned, or "" when nothing was written.
func (m *Manager) Capture(ctx context.Context, page Page, reason, label string) string {
	cctx, cancel := context.WithTimeout(ctx, m.captureTimeout)
	defer cancel()

	loc := "<no driver or driver disconnected>"
	html := loc
	if page != nil {
		if l, err := page.Location(cctx); err == nil {
			loc = l
			if h, err := page.HTML(cctx); err == nil {
				html = h
			} else {
				html = fmt.Sprintf("<no page source available: %v>", err)
			}
		}
	}

	name := "saj_debug_" + reason
	if label != "" {
		name += "_" + safeName(label)
	}
	name += fmt.Sprintf("_%d.html", m.now().Unix())
	path := filepath.Join(m.debugDir, name)

	body := "<!-- URL: " + loc + " -->\n" + html
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		m.log.Error().Err(err).Str("reason", reason).Msg("failed to save page source")
		return ""
	}
	m.log.Error().Str("file", path).Str("url", loc).Msg("page source saved for debugging")
	return path
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
