package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// StatusEvent represents a single status message for SSE.
// Frame events also carry the camera index and image sequence number.
type StatusEvent struct {
	Time   string `json:"t"`
	Level  string `json:"l,omitempty"`
	Msg    string `json:"msg"`
	Camera *int   `json:"cam,omitempty"`
	Seq    int    `json:"seq,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
// It also implements capture.FrameObserver so a session's frame events reach
// the browser without touching the write path.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// FrameCaptured implements capture.FrameObserver.
func (b *StatusBroadcaster) FrameCaptured(ev capture.FrameEvent) {
	cam := ev.Device
	evt := StatusEvent{
		Time:   ev.Timestamp.Format(time.RFC3339Nano),
		Level:  "frame",
		Msg:    fmt.Sprintf("camera %d image %d captured", ev.Device, ev.Sequence),
		Camera: &cam,
		Seq:    ev.Sequence,
	}
	if ev.Err != nil {
		evt.Level = "skip"
		evt.Msg = fmt.Sprintf("camera %d image %d skipped: %v", ev.Device, ev.Sequence, ev.Err)
	}
	b.send(evt)
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
