package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/multicap/internal/catalog"
	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// maxRunBody bounds the POST /run request body.
const maxRunBody = 1 << 20

// runInterval is the minimum time between two session starts.
const runInterval = 5 * time.Second

// Overrides holds session parameters that can override config defaults.
// Nil fields keep the configured value.
type Overrides struct {
	NumImages   *int     `json:"num_images,omitempty"`
	ExpTime     *float64 `json:"exp_time,omitempty"` // seconds
	Gain        *float64 `json:"gain,omitempty"`
	TriggerMode *string  `json:"trigger_mode,omitempty"`
	StimRun     *string  `json:"stim_run,omitempty"`
}

// ValidateOverrides checks the ranges of the fields that are set.
func ValidateOverrides(o Overrides) error {
	if o.NumImages != nil && (*o.NumImages < 1 || *o.NumImages > 100000) {
		return fmt.Errorf("num_images must be between 1 and 100000, got %d", *o.NumImages)
	}
	if o.ExpTime != nil {
		v := *o.ExpTime
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v > 30 {
			return fmt.Errorf("exp_time must be between 0 and 30 seconds, got %v", v)
		}
	}
	if o.Gain != nil {
		v := *o.Gain
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 48 {
			return fmt.Errorf("gain must be between 0 and 48, got %v", v)
		}
	}
	if o.TriggerMode != nil {
		if _, err := capture.ParseTriggerMode(*o.TriggerMode); err != nil {
			return err
		}
	}
	if o.StimRun != nil && (len(*o.StimRun) > 32 || strings.ContainsAny(*o.StimRun, `/\.`)) {
		return fmt.Errorf("stim_run %q must be a short name without path characters", *o.StimRun)
	}
	return nil
}

// RunCaptureFunc runs one capture session with the given overrides.
// It is called from the POST /run handler in a goroutine.
type RunCaptureFunc func(ctx context.Context, overrides Overrides) (*capture.Summary, error)

// SessionLister lists recorded sessions (see catalog.Catalog).
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]catalog.SessionRecord, error)
}

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	NumImages       int     `json:"num_images"`
	ExpTime         float64 `json:"exp_time"`
	Gain            float64 `json:"gain"`
	TriggerMode     string  `json:"trigger_mode"`
	StimRun         string  `json:"stim_run"`
	Cameras         int     `json:"cameras"`
	OutputDirectory string  `json:"output_directory"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunCapture   RunCaptureFunc
	FormDefaults FormConfig
	Sessions     SessionLister // optional
	Metrics      http.Handler  // optional

	staticFS fs.FS
	limiter  *rate.Limiter

	runningMu   sync.Mutex
	running     bool
	cancelRun   context.CancelFunc
	lastSummary *capture.Summary
	baseCtx     context.Context
}

// NewHandlers creates handlers with the given dependencies.
// If runCapture is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runCapture RunCaptureFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunCapture:   runCapture,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		limiter:      rate.NewLimiter(rate.Every(runInterval), 1),
		baseCtx:      context.Background(),
	}
}

// SetBaseContext makes every session started over HTTP a child of ctx.
func (h *Handlers) SetBaseContext(ctx context.Context) {
	h.runningMu.Lock()
	h.baseCtx = ctx
	h.runningMu.Unlock()
}

// Running reports whether a session is in progress.
func (h *Handlers) Running() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a capture session.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRunBody)
	var overrides Overrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunCapture == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	if !h.limiter.Allow() {
		h.runningMu.Unlock()
		http.Error(w, "too many capture requests, retry later", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.running = true
	h.cancelRun = cancel
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer cancel()
		sum, err := h.RunCapture(ctx, overrides)

		h.runningMu.Lock()
		h.running = false
		h.cancelRun = nil
		if sum != nil {
			h.lastSummary = sum
		}
		h.runningMu.Unlock()

		switch {
		case err != nil:
			h.Broadcaster.Broadcast("error", "Capture failed: "+err.Error())
			debug.Error(fmt.Errorf("capture failed: %w", err))
		case sum != nil && sum.Cancelled:
			h.Broadcaster.Broadcast("warn", "Session cancelled")
		default:
			h.Broadcaster.Broadcast("info", "Session complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleCancel handles POST /cancel: it cancels the running session.
// Frames already captured are still written.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	cancel := h.cancelRun
	h.runningMu.Unlock()
	if cancel == nil {
		http.Error(w, "no capture in progress", http.StatusConflict)
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// DeviceView is the JSON form of capture.DeviceSummary.
type DeviceView struct {
	Index       int     `json:"index"`
	Serial      string  `json:"serial"`
	Requested   int     `json:"requested"`
	Captured    int     `json:"captured"`
	Skipped     int     `json:"skipped"`
	Persisted   int     `json:"persisted"`
	Dropped     int     `json:"dropped"`
	Missing     int     `json:"missing"`
	StartSkewUs int64   `json:"start_skew_us"`
	FrameRate   float64 `json:"frame_rate"`
	Error       string  `json:"error,omitempty"`
}

// SummaryView is the JSON form of capture.Summary.
type SummaryView struct {
	ID             string       `json:"id"`
	Result         string       `json:"result"`
	Started        time.Time    `json:"started"`
	DurationMs     int64        `json:"duration_ms"`
	TriggerMode    string       `json:"trigger_mode"`
	Cancelled      bool         `json:"cancelled"`
	QueueCapacity  int          `json:"queue_capacity"`
	QueueHighWater int          `json:"queue_high_water"`
	Devices        []DeviceView `json:"devices"`
	Error          string       `json:"error,omitempty"`
}

// NewSummaryView converts a summary for JSON output.
func NewSummaryView(s *capture.Summary) SummaryView {
	v := SummaryView{
		ID:             s.ID.String(),
		Result:         s.Result(),
		Started:        s.Started,
		DurationMs:     s.Duration().Milliseconds(),
		TriggerMode:    string(s.TriggerMode),
		Cancelled:      s.Cancelled,
		QueueCapacity:  s.QueueCapacity,
		QueueHighWater: s.QueueHighWater,
		Devices:        []DeviceView{},
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	for _, d := range s.Devices {
		dv := DeviceView{
			Index:       d.Index,
			Serial:      d.Serial,
			Requested:   d.Requested,
			Captured:    d.Captured,
			Skipped:     d.Skipped,
			Persisted:   d.Persisted,
			Dropped:     d.Dropped,
			Missing:     d.Missing(),
			StartSkewUs: d.StartSkew.Microseconds(),
			FrameRate:   d.FrameRate,
		}
		if d.Err != nil {
			dv.Error = d.Err.Error()
		}
		v.Devices = append(v.Devices, dv)
	}
	return v
}

// HandleSummary handles GET /summary: the last finished session.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	sum := h.lastSummary
	running := h.running
	h.runningMu.Unlock()

	if sum == nil {
		http.Error(w, "no session finished yet", http.StatusNotFound)
		return
	}
	w.Header().Set("X-Session-Running", strconv.FormatBool(running))
	writeJSON(w, http.StatusOK, NewSummaryView(sum))
}

// HandleSessions handles GET /sessions?limit=N from the catalog.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		http.Error(w, "session catalog disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.Sessions.Recent(r.Context(), limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []catalog.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
