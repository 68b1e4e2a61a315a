package notify

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// wireFrame is the JSON envelope pushed to UI-process sockets: a channel
// name plus its payload (spec.md §6, §7).
type wireFrame struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// WebSocketSink subscribes to all three bus channels and forwards each
// event as a JSON frame to every connected UI socket. Delivery failures
// are logged and swallowed, never propagated (spec.md §4.J).
type WebSocketSink struct {
	bus *Bus

	notifyCh chan Event
	dlCh     chan Event
	capCh    chan Event

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	done chan struct{}
}

// NewWebSocketSink subscribes to bus and starts forwarding events. Call
// Close to unsubscribe and stop the forwarding goroutines.
func NewWebSocketSink(bus *Bus) *WebSocketSink {
	s := &WebSocketSink{
		bus:      bus,
		notifyCh: make(chan Event, 32),
		dlCh:     make(chan Event, 32),
		capCh:    make(chan Event, 32),
		clients:  make(map[*websocket.Conn]struct{}),
		done:     make(chan struct{}),
	}
	bus.Subscribe(EventNotify, s.notifyCh)
	bus.Subscribe(EventDownloadProgress, s.dlCh)
	bus.Subscribe(EventCaption, s.capCh)

	go s.forward(s.notifyCh, "notify")
	go s.forward(s.dlCh, "download_progress")
	go s.forward(s.capCh, "caption")

	return s
}

// AddClient registers a new UI-process socket to receive forwarded events.
func (s *WebSocketSink) AddClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = struct{}{}
}

// RemoveClient unregisters a UI-process socket, e.g. on disconnect.
func (s *WebSocketSink) RemoveClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}

// Close unsubscribes from the bus and stops the forwarding goroutines.
func (s *WebSocketSink) Close() {
	close(s.done)
	s.bus.Unsubscribe(EventNotify, s.notifyCh)
	s.bus.Unsubscribe(EventDownloadProgress, s.dlCh)
	s.bus.Unsubscribe(EventCaption, s.capCh)
}

func (s *WebSocketSink) forward(ch chan Event, channelName string) {
	for {
		select {
		case evt := <-ch:
			s.broadcast(channelName, payloadOf(evt))
		case <-s.done:
			return
		}
	}
}

func payloadOf(evt Event) any {
	switch evt.Type {
	case EventNotify:
		return evt.Notify
	case EventDownloadProgress:
		return evt.DownloadProgress
	case EventCaption:
		return evt.Caption
	default:
		return nil
	}
}

func (s *WebSocketSink) broadcast(channelName string, payload any) {
	frame := wireFrame{Channel: channelName, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[notify] marshal %s frame: %v", channelName, err)
		return
	}

	s.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, conn := range clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[notify] write to client failed, dropping: %v", err)
		}
	}
}
