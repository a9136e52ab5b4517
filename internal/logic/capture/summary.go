package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceSummary is the end-of-session report for one device.
type DeviceSummary struct {
	Index      int
	Serial     string
	Requested  int
	Captured   int // frames enqueued for writing
	Skipped    int // sequence numbers consumed without a frame
	Timeouts   int
	Incomplete int
	Persisted  int
	Dropped    int
	StartSkew  time.Duration // BeginAcquisition offset from the session epoch
	FrameRate  float64       // effective captured frames per second
	Cancelled  bool
	Err        error // set when the device left the session
}

// Missing returns requested frames that were not persisted.
func (d DeviceSummary) Missing() int {
	return d.Requested - d.Persisted
}

// Active reports whether the device took part in the session.
func (d DeviceSummary) Active() bool { return d.Err == nil }

// Summary is the report every session produces, even under partial failure.
type Summary struct {
	ID             uuid.UUID
	Started        time.Time
	Finished       time.Time
	Epoch          time.Time // earliest BeginAcquisition across devices
	TriggerMode    TriggerMode
	Cancelled      bool
	Devices        []DeviceSummary
	QueueCapacity  int
	QueueHighWater int
	Writers        int
	Files          []string // timing and delta logs written
	Err            error
}

// Totals sums the per-device counters.
func (s *Summary) Totals() DeviceSummary {
	var t DeviceSummary
	t.Index = -1
	for _, d := range s.Devices {
		t.Requested += d.Requested
		t.Captured += d.Captured
		t.Skipped += d.Skipped
		t.Timeouts += d.Timeouts
		t.Incomplete += d.Incomplete
		t.Persisted += d.Persisted
		t.Dropped += d.Dropped
	}
	return t
}

// Device returns the summary of device index.
func (s *Summary) Device(index int) (DeviceSummary, bool) {
	for _, d := range s.Devices {
		if d.Index == index {
			return d, true
		}
	}
	return DeviceSummary{}, false
}

// Result classifies the session as "ok", "cancelled", "partial" or "failed".
func (s *Summary) Result() string {
	switch {
	case s.Err != nil:
		return "failed"
	case s.Cancelled:
		return "cancelled"
	}
	for _, d := range s.Devices {
		if d.Err != nil || d.Missing() > 0 {
			return "partial"
		}
	}
	return "ok"
}

// Duration returns the wall time of the session.
func (s *Summary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s, %s trigger, %v)\n", s.ID, s.Result(), s.TriggerMode, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "  %-6s %-10s %9s %8s %7s %9s %7s %7s %9s %8s\n",
		"camera", "serial", "requested", "captured", "skipped", "persisted", "dropped", "missing", "skew", "fps")
	for _, d := range s.Devices {
		fmt.Fprintf(&b, "  %-6d %-10s %9d %8d %7d %9d %7d %7d %9v %8.2f\n",
			d.Index, d.Serial, d.Requested, d.Captured, d.Skipped, d.Persisted, d.Dropped, d.Missing(),
			d.StartSkew.Round(time.Microsecond), d.FrameRate)
		if d.Err != nil {
			fmt.Fprintf(&b, "         error: %v\n", d.Err)
		}
	}
	t := s.Totals()
	fmt.Fprintf(&b, "  total: requested %d, captured %d, persisted %d, dropped %d, missing %d\n",
		t.Requested, t.Captured, t.Persisted, t.Dropped, t.Missing())
	fmt.Fprintf(&b, "  write queue: capacity %d, high water %d, writers %d\n", s.QueueCapacity, s.QueueHighWater, s.Writers)
	if s.Err != nil {
		fmt.Fprintf(&b, "  error: %v\n", s.Err)
	}
	return b.String()
}
