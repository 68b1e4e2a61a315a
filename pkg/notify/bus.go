// Package notify implements the UI-facing event bus (spec.md §4.J): a
// typed publish/subscribe channel for the three wire event schemas
// (notify, download_progress, caption), modeled on the teacher's
// pkg/pipeline event bus idiom.
package notify

import (
	"sync"
	"time"
)

// Level is the severity of a Notify event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventType identifies which of the three UI-observed channels an Event
// belongs to (spec.md §6, §7).
type EventType int

const (
	EventNotify EventType = iota
	EventDownloadProgress
	EventCaption
)

// Event is the single envelope type carried on the bus; exactly one of the
// payload fields is meaningful, selected by Type.
type Event struct {
	Type      EventType
	Timestamp time.Time

	Notify           *NotifyPayload
	DownloadProgress *DownloadProgressPayload
	Caption          *CaptionPayload
}

// NotifyPayload is the `{type, content}` schema on the `notify` channel.
type NotifyPayload struct {
	Level   Level  `json:"type"`
	Content string `json:"content"`
}

// DownloadProgressPayload is the `{file_name, size, position}` schema on
// the `download_progress` channel.
type DownloadProgressPayload struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Position int64  `json:"position"`
}

// CaptionPayload is the `{start, end, text}` schema on the `caption`
// channel.
type CaptionPayload struct {
	StartMs uint32 `json:"start"`
	EndMs   uint32 `json:"end"`
	Text    string `json:"text"`
}

// Bus is a typed, non-blocking publish/subscribe event bus. Publish never
// blocks: a full subscriber channel drops the event rather than stalling
// the publisher (spec.md §7, "delivery is best-effort").
type Bus struct {
	mu   sync.Mutex
	subs map[EventType][]chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]chan Event)}
}

// Subscribe registers ch to receive events of the given type.
func (b *Bus) Subscribe(t EventType, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], ch)
}

// Unsubscribe removes ch from the given type's subscriber list.
func (b *Bus) Unsubscribe(t EventType, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s == ch {
			b.subs[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every subscriber of evt.Type. Delivery to each
// subscriber is attempted without blocking; a full channel is skipped.
// Publish reports whether at least one subscriber received the event.
func (b *Bus) Publish(evt Event) bool {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs[evt.Type]...)
	b.mu.Unlock()

	delivered := false
	for _, ch := range subs {
		select {
		case ch <- evt:
			delivered = true
		default:
		}
	}
	return delivered
}

// Notify publishes a notify-channel event.
func (b *Bus) Notify(level Level, content string) {
	b.Publish(Event{Type: EventNotify, Timestamp: time.Now(), Notify: &NotifyPayload{Level: level, Content: content}})
}

// DownloadProgress publishes a download_progress event.
func (b *Bus) DownloadProgress(fileName string, size, position int64) {
	b.Publish(Event{
		Type:      EventDownloadProgress,
		Timestamp: time.Now(),
		DownloadProgress: &DownloadProgressPayload{
			FileName: fileName,
			Size:     size,
			Position: position,
		},
	})
}

// Caption publishes a caption event.
func (b *Bus) Caption(startMs, endMs uint32, text string) {
	b.Publish(Event{
		Type:      EventCaption,
		Timestamp: time.Now(),
		Caption:   &CaptionPayload{StartMs: startMs, EndMs: endMs, Text: text},
	})
}
