// Package poller reads the latest snapshot of every configured device, one
// device at a time, through a shared portal session.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/extract"
	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/metrics"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/portal"
)

// Session is the part of portal.Manager the poller drives.
type Session interface {
	Ensure(ctx context.Context) (portal.Page, error)
	Expired(ctx context.Context, page portal.Page) bool
	Navigate(ctx context.Context, page portal.Page, url string) error
	Recover(ctx context.Context) (portal.Page, error)
	Invalidate()
	Capture(ctx context.Context, page portal.Page, reason, label string) string
}

// Extractor reads snapshots from the loaded data page.
type Extractor interface {
	Extract(ctx context.Context, page portal.Page, alias string) ([]model.Snapshot, error)
}

type Options struct {
	URLs portal.URLs
	// MaxAttempts per device; the second attempt follows a session recovery.
	MaxAttempts int
	// SettleDelay lets the data page render after navigation. Zero means the
	// default; a negative value disables it.
	SettleDelay time.Duration
}

type Poller struct {
	log         zerolog.Logger
	session     Session
	extractor   Extractor
	devices     []model.Device
	urls        portal.URLs
	maxAttempts int
	settleDelay time.Duration
	metrics     *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

func New(log zerolog.Logger, session Session, extractor Extractor, devices []model.Device, opts Options, m *metrics.Metrics) *Poller {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}
	settle := opts.SettleDelay
	if settle < 0 {
		settle = 0
	} else if settle == 0 {
		settle = 4 * time.Second
	}
	return &Poller{
		log:         log,
		session:     session,
		extractor:   extractor,
		devices:     devices,
		urls:        opts.URLs,
		maxAttempts: attempts,
		settleDelay: settle,
		metrics:     m,
		sleep:       sleepCtx,
	}
}

// Poll returns the latest snapshot per serial for every device that could be
// read. A device that fails is absent from the result. A session that cannot
// be established ends the poll early.
func (p *Poller) Poll(ctx context.Context) map[string]model.Snapshot {
	out := make(map[string]model.Snapshot, len(p.devices))

	p.log.Info().Int("devices", len(p.devices)).Msg("starting data collection")
	for _, dev := range p.devices {
		if ctx.Err() != nil {
			break
		}
		snap, err := p.pollDevice(ctx, dev)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if k := fault.KindOf(err); k == fault.Auth || k == fault.DriverInit {
				p.log.Error().Err(err).Str("kind", k.String()).Msg("portal session unavailable, aborting this cycle")
				p.metrics.IncDeviceFetch(dev.Alias, k.String())
				break
			}
			continue
		}
		out[dev.Serial] = snap
	}
	p.log.Info().Int("devices", len(out)).Msg("finished data collection")
	return out
}

func (p *Poller) pollDevice(ctx context.Context, dev model.Device) (model.Snapshot, error) {
	log := p.log.With().Str("device", dev.Alias).Str("serial", dev.Serial).Logger()
	dataURL := p.urls.Data(dev.Serial)

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		page, err := p.session.Ensure(ctx)
		if err != nil {
			return nil, err
		}

		snap, err := p.read(ctx, page, dev, dataURL)
		if err == nil {
			p.metrics.IncDeviceFetch(dev.Alias, "ok")
			log.Debug().Str("update_time", snap.UpdateTime()).Msg("stored latest data")
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := fault.KindOf(err)
		if kind != fault.Connection && p.session.Expired(ctx, page) {
			log.Warn().Err(err).Msg("session expired while reading device, treating as connection failure")
			kind = fault.Connection
		}

		switch kind {
		case fault.Connection:
			log.Error().Err(err).Str("url", dataURL).Int("attempt", attempt).Msg("connection failure while fetching device data")
			p.session.Capture(ctx, page, captureReason(err), dev.Alias)
			if attempt < p.maxAttempts {
				if _, rerr := p.session.Recover(ctx); rerr != nil {
					return nil, rerr
				}
				continue
			}
			log.Error().Msg("connection failure after recovery, skipping device this cycle")
			p.session.Invalidate()
			p.metrics.IncDeviceFetch(dev.Alias, "connection")
			return nil, err
		case fault.Extraction:
			log.Warn().Err(err).Str("url", dataURL).Msg("unexpected data page, skipping device")
			p.metrics.IncDeviceFetch(dev.Alias, "extraction")
			return nil, err
		default:
			log.Error().Err(err).Str("url", dataURL).Msg("unexpected error fetching device data, skipping device")
			p.metrics.IncDeviceFetch(dev.Alias, "error")
			return nil, err
		}
	}
	return nil, errors.New("no attempts made")
}

func (p *Poller) read(ctx context.Context, page portal.Page, dev model.Device, dataURL string) (model.Snapshot, error) {
	if err := p.session.Navigate(ctx, page, dataURL); err != nil {
		return nil, err
	}
	if err := p.sleep(ctx, p.settleDelay); err != nil {
		return nil, err
	}
	snaps, err := p.extractor.Extract(ctx, page, dev.Alias)
	if err != nil {
		return nil, fault.WithURL(err, dataURL)
	}
	latest, ok := extract.Latest(snaps)
	if !ok {
		return nil, fault.WithURL(fault.New(fault.Extraction, "select latest row", extract.ErrNoValidRows), dataURL)
	}
	return latest, nil
}

func captureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "data_timeout"
	}
	return "data_connrefused"
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
