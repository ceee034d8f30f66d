package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/metrics"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/scheduler"
)

// StatusSource is the read side of the scheduler.
type StatusSource interface {
	Status() scheduler.Status
	Ready() bool
}

// Pinger checks the optional database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log     zerolog.Logger
	status  StatusSource
	db      Pinger
	metrics *metrics.Metrics
}

// NewHandler builds the status API. db may be nil when no database is
// configured.
func NewHandler(log zerolog.Logger, status StatusSource, db Pinger, m *metrics.Metrics) *Handler {
	return &Handler{log: log, status: status, db: db, metrics: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Get("/status", h.handleStatus)
			r.Get("/plant", h.handlePlant)
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.handleListDevices)
				r.Get("/{serial}", h.handleGetDevice)
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTPRequest(r.Method, path, status, time.Since(start))

		h.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	if !h.status.Ready() {
		h.writeError(w, http.StatusServiceUnavailable, "not_ready", "initial discovery not published yet", nil)
		return
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type peakPower struct {
	Value         float64 `json:"value"`
	LastResetDate *string `json:"last_reset_date"`
}

type lastCycle struct {
	Outcome         string     `json:"outcome,omitempty"`
	At              *time.Time `json:"at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

type status struct {
	SetupDone        bool       `json:"setup_done"`
	ExtendedInterval bool       `json:"extended_interval"`
	IntervalSeconds  float64    `json:"interval_seconds"`
	LastCycle        lastCycle  `json:"last_cycle"`
	LastDataChangeAt *time.Time `json:"last_data_change_at,omitempty"`
	PeakPower        peakPower  `json:"peak_power"`
	Devices          int        `json:"devices"`
}

type device struct {
	Serial     string            `json:"serial"`
	Alias      string            `json:"alias"`
	UpdateTime string            `json:"update_time,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

func toPeakPower(st model.PeakState) peakPower {
	p := peakPower{Value: st.Watts}
	if !st.ResetDate.IsZero() {
		d := st.ResetDate.String()
		p.LastResetDate = &d
	}
	return p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toDevice(serial string, snap model.Snapshot) device {
	attrs := make(map[string]string, len(snap))
	for k, v := range snap {
		if k == model.AttrAlias {
			continue
		}
		attrs[k] = v
	}
	return device{Serial: serial, Alias: snap.Alias(), UpdateTime: snap.UpdateTime(), Attributes: attrs}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	h.writeJSON(w, http.StatusOK, status{
		SetupDone:        st.SetupDone,
		ExtendedInterval: st.Extended,
		IntervalSeconds:  st.Interval.Seconds(),
		LastCycle: lastCycle{
			Outcome:         st.LastCycleOutcome,
			At:              timePtr(st.LastCycleAt),
			DurationSeconds: st.LastCycleDuration.Seconds(),
		},
		LastDataChangeAt: timePtr(st.LastDataChangeAt),
		PeakPower:        toPeakPower(st.Peak),
		Devices:          len(st.Devices),
	})
}

func (h *Handler) handlePlant(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	if st.Plant == nil {
		h.writeError(w, http.StatusNotFound, "no_data", "no plant data collected yet", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, st.Plant)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()

	serials := make([]string, 0, len(st.Devices))
	for serial := range st.Devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	resp := make([]device, 0, len(serials))
	for _, serial := range serials {
		resp = append(resp, toDevice(serial, st.Devices[serial]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	snap, ok := h.status.Status().Devices[serial]
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"serial": serial})
		return
	}
	h.writeJSON(w, http.StatusOK, toDevice(serial, snap))
}
