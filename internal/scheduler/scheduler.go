// Package scheduler runs the polling cycle: fetch every device, aggregate the
// plant, track today's peak power and publish, at an interval that stretches
// while the portal reports no new data.
package scheduler

import (
	"context"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/aggregate"
	"saj_portal/scraper-go/internal/metrics"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/peakstore"
)

const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeSkipped     = "skipped"
	OutcomeSetupFailed = "setup_failed"
	OutcomePanic       = "panic"
)

type Poller interface {
	Poll(ctx context.Context) map[string]model.Snapshot
}

// Publisher is the downstream consumer of snapshots.
type Publisher interface {
	Announce(ctx context.Context, devices map[string]model.Snapshot, plant model.PlantSnapshot, peak model.PeakState) error
	Publish(ctx context.Context, devices map[string]model.Snapshot, plant model.PlantSnapshot, peak model.PeakState) error
	SetAvailability(ctx context.Context, online bool) error
	Close()
}

type Options struct {
	Interval            time.Duration
	ExtendedInterval    time.Duration
	InactivityThreshold time.Duration
	Window              Window
	// Location is used for the inactivity window and the peak reset date.
	Location        *time.Location
	PanicPause      time.Duration
	ShutdownTimeout time.Duration
}

// Status is a copy of the scheduler state for read-only consumers.
type Status struct {
	SetupDone         bool
	Extended          bool
	Interval          time.Duration
	LastCycleOutcome  string
	LastCycleAt       time.Time
	LastCycleDuration time.Duration
	LastDataChangeAt  time.Time
	Peak              model.PeakState
	Plant             *model.PlantSnapshot
	Devices           map[string]model.Snapshot
}

type Scheduler struct {
	log       zerolog.Logger
	poller    Poller
	store     peakstore.Store
	publisher Publisher
	session   io.Closer
	metrics   *metrics.Metrics

	interval         time.Duration
	extendedInterval time.Duration
	threshold        time.Duration
	window           Window
	loc              *time.Location
	panicPause       time.Duration
	shutdownTimeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// Owned by the Run goroutine.
	setupDone  bool
	extended   bool
	lastChange time.Time
	lastKnown  map[string]string
	peak       model.PeakState

	mu     sync.RWMutex
	status Status
}

func New(log zerolog.Logger, poller Poller, store peakstore.Store, publisher Publisher, session io.Closer, opts Options, m *metrics.Metrics) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 240 * time.Second
	}
	extended := opts.ExtendedInterval
	if extended <= 0 {
		extended = time.Hour
	}
	threshold := opts.InactivityThreshold
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	panicPause := opts.PanicPause
	if panicPause <= 0 {
		panicPause = time.Minute
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	return &Scheduler{
		log:              log,
		poller:           poller,
		store:            store,
		publisher:        publisher,
		session:          session,
		metrics:          m,
		interval:         interval,
		extendedInterval: extended,
		threshold:        threshold,
		window:           opts.Window,
		loc:              loc,
		panicPause:       panicPause,
		shutdownTimeout:  shutdownTimeout,
		now:              time.Now,
		sleep:            sleepCtx,
		lastKnown:        make(map[string]string),
		status:           Status{Interval: interval},
	}
}

// Run loads the persisted peak and cycles until ctx is done. On return the
// bridge is reported offline and the session and publisher are closed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.peak = s.store.Load(ctx)
	s.metrics.SetPeakPower(s.peak.Watts)
	s.updateStatus(func(st *Status) { st.Peak = s.peak })
	s.log.Info().
		Float64("peak_power", s.peak.Watts).
		Str("reset_date", s.peak.ResetDate.String()).
		Dur("interval", s.interval).
		Dur("extended_interval", s.extendedInterval).
		Dur("inactivity_threshold", s.threshold).
		Str("inactivity_window", s.window.String()).
		Msg("scheduler started")
	defer s.shutdown()

	for ctx.Err() == nil {
		if s.setupDone {
			s.log.Info().Dur("interval", s.currentInterval()).Bool("extended", s.extended).Msg("starting data fetch cycle")
		} else {
			s.log.Info().Msg("starting initial data fetch and discovery cycle")
		}

		start := s.now()
		outcome := s.safeCycle(ctx)
		dur := s.now().Sub(start)
		s.metrics.ObserveCycle(outcome, dur)
		s.updateStatus(func(st *Status) {
			st.LastCycleOutcome = outcome
			st.LastCycleAt = start
			st.LastCycleDuration = dur
		})
		s.log.Info().Str("outcome", outcome).Dur("duration", dur).Msg("cycle finished")

		if outcome == OutcomePanic {
			if err := s.sleep(ctx, s.panicPause); err != nil {
				break
			}
			continue
		}

		interval := s.nextInterval()
		wait := interval - dur
		if wait < 0 {
			wait = 0
		}
		s.log.Info().Dur("sleep", wait).Bool("extended", s.extended).Msg("sleeping until next cycle")
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}

	s.log.Info().Msg("shutdown requested, leaving scheduler loop")
	return nil
}

func (s *Scheduler) safeCycle(ctx context.Context) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Dur("pause", s.panicPause).Msg("cycle panicked")
			outcome = OutcomePanic
		}
	}()
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) string {
	now := s.now()
	if s.setupDone && s.window.Contains(now.In(s.loc)) {
		s.log.Info().Str("window", s.window.String()).Msg("inside inactivity period, skipping data fetch")
		if s.extended {
			s.log.Info().Msg("leaving extended interval for the inactivity period")
			s.setExtended(false)
		}
		return OutcomeSkipped
	}

	devices := s.poller.Poll(ctx)
	if len(devices) == 0 {
		s.log.Warn().Msg("no device data fetched in this cycle")
		return OutcomeEmpty
	}

	if s.setupDone {
		s.detectChanges(devices)
	}

	plant := aggregate.Plant(s.log, devices)
	s.metrics.SetPlantPower(plant.Power)

	power := plant.Power
	next, changed := aggregate.UpdatePeak(&power, s.peak, model.DateOf(now.In(s.loc)))
	if changed {
		s.peak = next
		s.log.Info().Float64("peak_power", next.Watts).Str("reset_date", next.ResetDate.String()).Msg("peak power state changed")
		if err := s.store.Save(ctx, next); err != nil {
			s.log.Error().Err(err).Msg("failed to persist peak power state")
		}
		s.metrics.SetPeakPower(next.Watts)
	}

	if !s.setupDone {
		if err := s.publisher.Announce(ctx, devices, plant, s.peak); err != nil {
			s.log.Error().Err(err).Msg("initial discovery failed, retrying next cycle")
			s.recordData(devices, plant)
			return OutcomeSetupFailed
		}
		s.log.Info().Int("devices", len(devices)).Msg("initial discovery published")
		s.setupDone = true
		s.lastChange = s.now()
		for serial, snap := range devices {
			if snap.HasValidUpdateTime() {
				s.lastKnown[serial] = snap.UpdateTime()
			}
		}
	}

	if err := s.publisher.Publish(ctx, devices, plant, s.peak); err != nil {
		s.log.Error().Err(err).Msg("failed to publish state")
	} else {
		s.log.Info().Int("devices", len(devices)).Float64("plant_power", plant.Power).Msg("state published")
	}
	s.recordData(devices, plant)
	return OutcomeOK
}

// detectChanges moves the last-change instant when any device reports a new
// Update_time, and leaves the extended interval when it does.
func (s *Scheduler) detectChanges(devices map[string]model.Snapshot) {
	changed := false
	for serial, snap := range devices {
		current := snap.UpdateTime()
		if !snap.HasValidUpdateTime() {
			s.log.Warn().Str("serial", serial).Str("update_time", current).Msg("cannot check data change, invalid Update_time")
			continue
		}
		if prev := s.lastKnown[serial]; current != prev {
			s.log.Debug().Str("serial", serial).Str("previous", prev).Str("current", current).Msg("new data detected")
			s.lastKnown[serial] = current
			changed = true
		}
	}
	if !changed {
		s.log.Debug().Msg("no data changed in this cycle")
		return
	}
	s.lastChange = s.now()
	if s.extended {
		s.log.Info().Msg("new data detected, switching back to normal interval")
		s.setExtended(false)
	}
}

// nextInterval enters the extended interval once the portal has reported no
// new data for longer than the threshold. Leaving it is up to detectChanges.
func (s *Scheduler) nextInterval() time.Duration {
	if s.setupDone && !s.extended && !s.lastChange.IsZero() {
		idle := s.now().Sub(s.lastChange)
		s.log.Debug().Dur("since_last_change", idle).Dur("threshold", s.threshold).Msg("checking data inactivity")
		if idle > s.threshold {
			s.log.Info().Dur("threshold", s.threshold).Dur("extended_interval", s.extendedInterval).Msg("data inactivity threshold exceeded, switching to extended interval")
			s.setExtended(true)
		}
	}
	return s.currentInterval()
}

func (s *Scheduler) currentInterval() time.Duration {
	if s.extended {
		return s.extendedInterval
	}
	return s.interval
}

func (s *Scheduler) setExtended(on bool) {
	s.extended = on
	s.metrics.SetExtendedInterval(on)
	interval := s.currentInterval()
	s.updateStatus(func(st *Status) {
		st.Extended = on
		st.Interval = interval
	})
}

func (s *Scheduler) recordData(devices map[string]model.Snapshot, plant model.PlantSnapshot) {
	setupDone, lastChange, peak := s.setupDone, s.lastChange, s.peak
	s.updateStatus(func(st *Status) {
		st.SetupDone = setupDone
		st.LastDataChangeAt = lastChange
		st.Peak = peak
		st.Plant = &plant
		st.Devices = devices
	})
}

func (s *Scheduler) updateStatus(fn func(st *Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Status returns a copy of the current state. It is safe to call from any
// goroutine.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Plant != nil {
		p := *st.Plant
		st.Plant = &p
	}
	if st.Devices != nil {
		st.Devices = make(map[string]model.Snapshot, len(s.status.Devices))
		for serial, snap := range s.status.Devices {
			st.Devices[serial] = snap
		}
	}
	return st
}

// Ready reports whether discovery has been published.
func (s *Scheduler) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.SetupDone
}

func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.publisher.SetAvailability(ctx, false); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish offline availability")
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close portal session")
		}
	}
	s.publisher.Close()
	s.log.Info().Msg("scheduler stopped")
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
