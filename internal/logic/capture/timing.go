package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// TimestampLayout is the per-frame timestamp format of timing logs.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// TimingEntry is one captured frame's timestamp.
type TimingEntry struct {
	Device    int
	Sequence  int
	Timestamp time.Time
}

// TimingRecord is one device's append-only list of capture timestamps.
// It is owned by the device's worker until the worker is done.
type TimingRecord struct {
	Device  int
	entries []TimingEntry
}

// Append records a captured frame. Sequences must be appended in increasing order.
func (r *TimingRecord) Append(seq int, ts time.Time) {
	r.entries = append(r.entries, TimingEntry{Device: r.Device, Sequence: seq, Timestamp: ts})
}

// Entries returns the recorded entries in capture order.
func (r *TimingRecord) Entries() []TimingEntry { return r.entries }

// Len returns the number of entries.
func (r *TimingRecord) Len() int { return len(r.entries) }

// FrameRate returns captured frames per second between the first and last
// entry, or 0 with fewer than two entries.
func (r *TimingRecord) FrameRate() float64 {
	if len(r.entries) < 2 {
		return 0
	}
	span := r.entries[len(r.entries)-1].Timestamp.Sub(r.entries[0].Timestamp)
	if span <= 0 {
		return 0
	}
	return float64(len(r.entries)-1) / span.Seconds()
}

// WriteTimingLog writes one "timestamp," line per entry.
func WriteTimingLog(w io.Writer, rec *TimingRecord) error {
	bw := bufio.NewWriter(w)
	for _, e := range rec.entries {
		bw.WriteString(e.Timestamp.Format(TimestampLayout))
		bw.WriteString(",\n")
	}
	return bw.Flush()
}

// PairDeltas returns b-a in seconds for every sequence number present in both records.
func PairDeltas(a, b *TimingRecord) []float64 {
	byseq := make(map[int]time.Time, len(b.entries))
	for _, e := range b.entries {
		byseq[e.Sequence] = e.Timestamp
	}
	var deltas []float64
	for _, e := range a.entries {
		if tb, ok := byseq[e.Sequence]; ok {
			deltas = append(deltas, tb.Sub(e.Timestamp).Seconds())
		}
	}
	return deltas
}

// WriteDeltaLog writes one "seconds," line per paired sequence number of a and b.
func WriteDeltaLog(w io.Writer, a, b *TimingRecord) error {
	bw := bufio.NewWriter(w)
	for _, d := range PairDeltas(a, b) {
		bw.WriteString(strconv.FormatFloat(d, 'f', 6, 64))
		bw.WriteString(",\n")
	}
	return bw.Flush()
}

// TimingLogName returns the per-device timing log name.
func TimingLogName(prefix string, device int) string {
	return fmt.Sprintf("%s_t%d.txt", prefix, device)
}

// DeltaLogName returns the inter-device delta log name.
func DeltaLogName(prefix string) string {
	return prefix + "_diff_times.txt"
}

// appendFile opens name for appending and runs fn on it.
func appendFile(name string, fn func(io.Writer) error) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// flushTimingLogs writes every record plus the delta log of the first two
// records into dir. It returns the paths written.
func flushTimingLogs(dir, prefix string, records []*TimingRecord) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	var paths []string
	for _, rec := range records {
		path := filepath.Join(dir, TimingLogName(prefix, rec.Device))
		err := appendFile(path, func(w io.Writer) error { return WriteTimingLog(w, rec) })
		if err != nil {
			return paths, fmt.Errorf("write timing log %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	if len(records) < 2 {
		return paths, nil
	}
	path := filepath.Join(dir, DeltaLogName(prefix))
	err := appendFile(path, func(w io.Writer) error { return WriteDeltaLog(w, records[0], records[1]) })
	if err != nil {
		return paths, fmt.Errorf("write delta log %s: %w", path, err)
	}
	return append(paths, path), nil
}
