// Package output is the outbound edge of the core: per-request event
// channels carrying SSE-shaped frames, and the notification ring that
// lets a reconnecting client catch up on proactive messages it missed.
package output

import (
	"context"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/google/uuid"
)

// FrameType is the SSE event discriminator
type FrameType string

const (
	FrameStatus  FrameType = "status"
	FrameMessage FrameType = "message"
	FrameError   FrameType = "error"
	FrameDone    FrameType = "done"
)

// Status stages emitted over the lifetime of a request
const (
	StageProcessing   = "processing"
	StageThinking     = "thinking"
	StageStillWorking = "still_working"
)

// Frame is one event on a request channel
type Frame struct {
	Type      FrameType      `json:"type"`
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	notificationRingCap = 200
	notificationTTL     = 24 * time.Hour
)

// Notification is one proactive message kept for catch-up
type Notification struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationDispatch pushes a notification out to notification-
// enabled external tools (as a __notification__ invocation)
type NotificationDispatch func(ctx context.Context, n Notification)

// Publisher fans frames out to per-request subscribers and keeps the
// notification ring
type Publisher struct {
	mu       sync.Mutex
	subs     map[string]chan Frame
	ring     []Notification
	dispatch NotificationDispatch
}

// NewPublisher builds an empty publisher
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[string]chan Frame)}
}

// SetNotificationDispatch installs the external fan-out hook
func (p *Publisher) SetNotificationDispatch(d NotificationDispatch) {
	p.mu.Lock()
	p.dispatch = d
	p.mu.Unlock()
}

// Subscribe opens the frame channel for a request. One subscriber per
// request; a second call replaces the first.
func (p *Publisher) Subscribe(requestID string) <-chan Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.subs[requestID]; ok {
		close(old)
	}
	ch := make(chan Frame, 16)
	p.subs[requestID] = ch
	return ch
}

func (p *Publisher) publish(requestID string, f Frame) {
	f.RequestID = requestID
	f.CreatedAt = time.Now()

	p.mu.Lock()
	ch, ok := p.subs[requestID]
	p.mu.Unlock()
	if !ok {
		logging.Debug("output", "no subscriber for %s, dropping %s frame", requestID, f.Type)
		return
	}
	select {
	case ch <- f:
	default:
		logging.Warn("output", "subscriber %s is full, dropping %s frame", requestID, f.Type)
	}
}

// Status emits a stage frame
func (p *Publisher) Status(requestID, stage string) {
	p.publish(requestID, Frame{Type: FrameStatus, Data: map[string]any{"stage": stage}})
}

// Message emits the final assistant payload
func (p *Publisher) Message(requestID, text, topic, mode string, confidence float64) {
	p.publish(requestID, Frame{Type: FrameMessage, Data: map[string]any{
		"text":       text,
		"topic":      topic,
		"mode":       mode,
		"confidence": confidence,
	}})
}

// Error emits an error frame
func (p *Publisher) Error(requestID, message string, recoverable bool) {
	p.publish(requestID, Frame{Type: FrameError, Data: map[string]any{
		"message":     message,
		"recoverable": recoverable,
	}})
}

// Done emits the terminal frame and closes the request channel
func (p *Publisher) Done(requestID string, duration time.Duration) {
	p.publish(requestID, Frame{Type: FrameDone, Data: map[string]any{
		"duration_ms": duration.Milliseconds(),
	}})
	p.mu.Lock()
	if ch, ok := p.subs[requestID]; ok {
		close(ch)
		delete(p.subs, requestID)
	}
	p.mu.Unlock()
}

// Notify records a proactive message in the catch-up ring and fans it
// out to notification-enabled tools
func (p *Publisher) Notify(ctx context.Context, content, topic, source string) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Content:   content,
		Topic:     topic,
		Source:    source,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.ring = append(p.ring, n)
	if len(p.ring) > notificationRingCap {
		p.ring = p.ring[len(p.ring)-notificationRingCap:]
	}
	dispatch := p.dispatch
	p.mu.Unlock()

	if dispatch != nil {
		go dispatch(ctx, n)
	}
	return n
}

// RecentNotifications returns unexpired ring entries, oldest first
func (p *Publisher) RecentNotifications() []Notification {
	cutoff := time.Now().Add(-notificationTTL)
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Notification
	for _, n := range p.ring {
		if n.CreatedAt.After(cutoff) {
			out = append(out, n)
		}
	}
	return out
}
