package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/model"
)

type pollFunc func(ctx context.Context) map[string]model.Snapshot

func (f pollFunc) Poll(ctx context.Context) map[string]model.Snapshot { return f(ctx) }

type fakeStore struct {
	loaded model.PeakState
	saved  []model.PeakState
	err    error
}

func (f *fakeStore) Load(context.Context) model.PeakState { return f.loaded }

func (f *fakeStore) Save(_ context.Context, st model.PeakState) error {
	f.saved = append(f.saved, st)
	return f.err
}

type fakePublisher struct {
	announceErrs []error
	announces    int
	publishes    []model.PeakState
	availability []bool
	closed       bool
}

func (f *fakePublisher) Announce(context.Context, map[string]model.Snapshot, model.PlantSnapshot, model.PeakState) error {
	f.announces++
	if len(f.announceErrs) > 0 {
		err := f.announceErrs[0]
		f.announceErrs = f.announceErrs[1:]
		return err
	}
	return nil
}

func (f *fakePublisher) Publish(_ context.Context, _ map[string]model.Snapshot, _ model.PlantSnapshot, peak model.PeakState) error {
	f.publishes = append(f.publishes, peak)
	return nil
}

func (f *fakePublisher) SetAvailability(_ context.Context, online bool) error {
	f.availability = append(f.availability, online)
	return nil
}

func (f *fakePublisher) Close() { f.closed = true }

type fakeSession struct{ closed bool }

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func devicesAt(updateTime, power string) map[string]model.Snapshot {
	return map[string]model.Snapshot{
		"SN1": {model.AttrAlias: "Roof", model.AttrUpdateTime: updateTime, model.AttrPower: power},
	}
}

type harness struct {
	s     *Scheduler
	clock *fakeClock
	store *fakeStore
	pub   *fakePublisher
	sess  *fakeSession
	data  map[string]model.Snapshot
	polls int

	// pollTakes advances the clock while a poll runs.
	pollTakes time.Duration
}

func newHarness(t *testing.T, window Window) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
		store: &fakeStore{},
		pub:   &fakePublisher{},
		sess:  &fakeSession{},
		data:  devicesAt("2024-06-01T09:55:00Z", "1200,5"),
	}
	poller := pollFunc(func(context.Context) map[string]model.Snapshot {
		h.polls++
		h.clock.advance(h.pollTakes)
		return h.data
	})
	h.s = New(zerolog.Nop(), poller, h.store, h.pub, h.sess, Options{
		Interval:            240 * time.Second,
		ExtendedInterval:    time.Hour,
		InactivityThreshold: 1800 * time.Second,
		Window:              window,
		Location:            time.UTC,
	}, nil)
	h.s.now = h.clock.now
	return h
}

func TestCycle_FirstSuccessAnnouncesThenPublishes(t *testing.T) {
	h := newHarness(t, Window{})

	if got := h.s.runCycle(context.Background()); got != OutcomeOK {
		t.Fatalf("expected ok, got %s", got)
	}
	if h.pub.announces != 1 || len(h.pub.publishes) != 1 {
		t.Fatalf("expected one announce and one publish, got %d/%d", h.pub.announces, len(h.pub.publishes))
	}
	if !h.s.Ready() {
		t.Fatalf("expected setup done")
	}
	want := model.PeakState{Watts: 1200.5, ResetDate: model.Date{Year: 2024, Month: time.June, Day: 1}}
	if len(h.store.saved) != 1 || h.store.saved[0] != want {
		t.Fatalf("expected peak %+v saved, got %+v", want, h.store.saved)
	}

	h.s.runCycle(context.Background())
	if h.pub.announces != 1 || len(h.pub.publishes) != 2 {
		t.Fatalf("expected discovery only once, got %d announces", h.pub.announces)
	}
	if len(h.store.saved) != 1 {
		t.Fatalf("unchanged peak must not be saved again")
	}
}

func TestCycle_AnnounceFailureSkipsPublishAndRetries(t *testing.T) {
	h := newHarness(t, Window{})
	h.pub.announceErrs = []error{errors.New("mqtt client not connected")}

	if got := h.s.runCycle(context.Background()); got != OutcomeSetupFailed {
		t.Fatalf("expected setup_failed, got %s", got)
	}
	if len(h.pub.publishes) != 0 || h.s.Ready() {
		t.Fatalf("state must not be published before discovery succeeds")
	}

	if got := h.s.runCycle(context.Background()); got != OutcomeOK {
		t.Fatalf("expected ok on retry, got %s", got)
	}
	if h.pub.announces != 2 || len(h.pub.publishes) != 1 {
		t.Fatalf("expected retry to announce and publish, got %d/%d", h.pub.announces, len(h.pub.publishes))
	}
}

func TestCycle_EmptyPollEndsCycle(t *testing.T) {
	h := newHarness(t, Window{})
	h.data = nil

	if got := h.s.runCycle(context.Background()); got != OutcomeEmpty {
		t.Fatalf("expected empty, got %s", got)
	}
	if h.pub.announces != 0 || len(h.store.saved) != 0 {
		t.Fatalf("empty cycle must not announce or touch peak state")
	}
}

func TestInterval_ExtendsAfterInactivityAndResetsOnChange(t *testing.T) {
	h := newHarness(t, Window{})
	ctx := context.Background()

	h.s.runCycle(ctx)
	if got := h.s.nextInterval(); got != 240*time.Second {
		t.Fatalf("expected normal interval, got %s", got)
	}

	h.clock.advance(1801 * time.Second)
	h.s.runCycle(ctx)
	if got := h.s.nextInterval(); got != time.Hour {
		t.Fatalf("expected extended interval after inactivity, got %s", got)
	}
	if !h.s.Status().Extended {
		t.Fatalf("expected status to report extended interval")
	}

	h.clock.advance(time.Hour)
	h.data = devicesAt("2024-06-01T11:30:00Z", "900")
	h.s.runCycle(ctx)
	if got := h.s.nextInterval(); got != 240*time.Second {
		t.Fatalf("expected normal interval after new data, got %s", got)
	}
}

func TestCycle_ChangeIsStampedAfterPolling(t *testing.T) {
	h := newHarness(t, Window{})
	ctx := context.Background()

	h.s.runCycle(ctx)

	h.pollTakes = 3 * time.Minute
	h.clock.advance(240 * time.Second)
	h.data = devicesAt("2024-06-01T10:00:00Z", "900")
	h.s.runCycle(ctx)
	if !h.s.lastChange.Equal(h.clock.t) {
		t.Fatalf("expected last change at %s, got %s", h.clock.t, h.s.lastChange)
	}

	// Threshold is measured from detection, not from the start of the cycle.
	h.pollTakes = 0
	h.clock.advance(1800 * time.Second)
	if got := h.s.nextInterval(); got != 240*time.Second {
		t.Fatalf("expected normal interval at the threshold, got %s", got)
	}
}

func TestCycle_InactivityWindowSkipsAfterSetup(t *testing.T) {
	w, err := ParseWindow(true, "21:00", "05:30")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	h := newHarness(t, w)
	h.clock.t = time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)

	if got := h.s.runCycle(context.Background()); got != OutcomeOK {
		t.Fatalf("window must not gate the initial cycle, got %s", got)
	}
	h.s.extended = true

	if got := h.s.runCycle(context.Background()); got != OutcomeSkipped {
		t.Fatalf("expected skipped inside window, got %s", got)
	}
	if h.polls != 1 {
		t.Fatalf("expected no poll inside window, got %d polls", h.polls)
	}
	if h.s.extended {
		t.Fatalf("expected extended flag cleared inside window")
	}
}

func TestCycle_PeakResetsOnNewDay(t *testing.T) {
	h := newHarness(t, Window{})
	h.store.loaded = model.PeakState{Watts: 3000, ResetDate: model.Date{Year: 2024, Month: time.May, Day: 31}}
	h.s.peak = h.store.loaded

	h.s.runCycle(context.Background())
	if h.s.peak.Watts != 1200.5 || h.s.peak.ResetDate.Day != 1 {
		t.Fatalf("expected peak reset to today, got %+v", h.s.peak)
	}
}

func TestCycle_SaveFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(t, Window{})
	h.store.err = errors.New("disk full")

	if got := h.s.runCycle(context.Background()); got != OutcomeOK {
		t.Fatalf("expected ok, got %s", got)
	}
	if h.s.peak.Watts != 1200.5 || h.pub.publishes[0].Watts != 1200.5 {
		t.Fatalf("expected in-memory peak to be published, got %+v", h.pub.publishes)
	}
}

func TestRun_SleepsAndShutsDown(t *testing.T) {
	h := newHarness(t, Window{})
	h.store.loaded = model.PeakState{Watts: 50, ResetDate: model.Date{Year: 2024, Month: time.June, Day: 1}}
	ctx, cancel := context.WithCancel(context.Background())

	var sleeps []time.Duration
	h.s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		h.clock.advance(d)
		if len(sleeps) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := h.s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sleeps) != 2 || sleeps[0] != 240*time.Second {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
	if len(h.pub.availability) != 1 || h.pub.availability[0] {
		t.Fatalf("expected offline availability on exit, got %v", h.pub.availability)
	}
	if !h.pub.closed || !h.sess.closed {
		t.Fatalf("expected publisher and session closed")
	}
	st := h.s.Status()
	if st.LastCycleOutcome != OutcomeOK || st.Plant == nil || st.Plant.Power != 1200.5 || len(st.Devices) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRun_PanicPausesAndContinues(t *testing.T) {
	h := newHarness(t, Window{})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h.s.poller = pollFunc(func(context.Context) map[string]model.Snapshot {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return h.data
	})

	var sleeps []time.Duration
	h.s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_ = h.s.Run(ctx)
	if len(sleeps) != 2 || sleeps[0] != time.Minute {
		t.Fatalf("expected a one minute pause after the panic, got %v", sleeps)
	}
	if calls != 2 || !h.s.Ready() {
		t.Fatalf("expected the loop to continue after the panic")
	}
}
