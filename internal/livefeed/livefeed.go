// Package livefeed streams speed test notifications to WebSocket viewers.
package livefeed

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robertodauria/httpspeed/internal/metrics"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
)

// Names of the events sent to viewers.
const (
	EventSpeedChanged = "speed"
	EventFinished     = "finished"
	EventError        = "error"
)

const (
	// clientBuffer is the number of events queued for each viewer. Events
	// for a viewer whose queue is full are dropped.
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

var errMissingProtocol = errors.New("missing Sec-WebSocket-Protocol header")

// Event is the JSON message sent to viewers.
type Event struct {
	Kind  spec.SubtestKind `json:"kind"`
	Event string           `json:"event"`
	Mbps  float64          `json:"mbps"`
	Error string           `json:"error,omitempty"`
}

// Hub is an emitter.Emitter forwarding every notification to the connected
// viewers. The zero value is not usable, use New.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection to WebSocket and streams events until
// the viewer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		zap.L().Sugar().Infow("Live feed upgrade failed", "client", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reads are only needed to notice the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				zap.L().Sugar().Debugw("Live feed write failed", "client", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.LiveFeedProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errMissingProtocol
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.LiveFeedProtocol)
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return u.Upgrade(w, r, h)
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	metrics.LiveFeedClients.Inc()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	metrics.LiveFeedClients.Dec()
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Slow viewer, drop the event.
		}
	}
}

func (h *Hub) OnDownloadSpeedChanged(mbit float64) {
	h.broadcast(Event{Kind: spec.SubtestDownload, Event: EventSpeedChanged, Mbps: mbit})
}

func (h *Hub) OnUploadSpeedChanged(mbit float64) {
	h.broadcast(Event{Kind: spec.SubtestUpload, Event: EventSpeedChanged, Mbps: mbit})
}

func (h *Hub) OnDownloadTestFinished(mbit float64) {
	h.broadcast(Event{Kind: spec.SubtestDownload, Event: EventFinished, Mbps: mbit})
}

func (h *Hub) OnUploadTestFinished(mbit float64) {
	h.broadcast(Event{Kind: spec.SubtestUpload, Event: EventFinished, Mbps: mbit})
}

func (h *Hub) OnError(kind spec.SubtestKind, err error) {
	h.broadcast(Event{Kind: kind, Event: EventError, Error: err.Error()})
}
