package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/osd"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

var log = logging.L("diagnostics")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendBufferSize = 64
)

// Message types sent to subscribers.
const (
	TypeStats       = "stats"
	TypeLogs        = "logs"
	TypeModeChanged = "mode_changed"
)

// Message is the envelope for everything the hub sends.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans JSON messages out to websocket subscribers. A subscriber whose
// send buffer is full is disconnected instead of slowing the others.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[string]*subscriber),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends a message of type typ to every subscriber.
func (h *Hub) Broadcast(typ string, data any) {
	payload, err := json.Marshal(Message{Type: typ, Time: time.Now(), Data: data})
	if err != nil {
		log.Warn("failed to encode message", "type", typ, logging.KeyError, err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for _, s := range h.subs {
		select {
		case s.send <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		log.Warn("dropping slow subscriber", "subscriber", s.id)
		h.remove(s)
	}
}

// PublishStats broadcasts monitor snapshots.
func (h *Hub) PublishStats(snaps []timing.MonitorSnapshot) {
	h.Broadcast(TypeStats, snaps)
}

// LogSink returns a logging.Sink that streams forwarded log batches.
func (h *Hub) LogSink() logging.Sink {
	return func(entries []logging.Entry) {
		if h.Count() == 0 {
			return
		}
		batch := make([]logging.Entry, len(entries))
		copy(batch, entries)
		h.Broadcast(TypeLogs, batch)
	}
}

// Show implements osd.Sink.
func (h *Hub) Show(_ context.Context, n osd.Notification) error {
	h.Broadcast(TypeModeChanged, n)
	return nil
}

// ServeHTTP upgrades the request and streams messages until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}

	s := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	log.Info("subscriber connected", "subscriber", s.id, "remote", r.RemoteAddr)

	go h.writePump(s)
	h.readPump(s)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if h.subs[s.id] == s {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()
	s.close()
}

// readPump only services control frames; subscribers never send data.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
		log.Info("subscriber disconnected", "subscriber", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "subscriber", s.id, logging.KeyError, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "subscriber", s.id, logging.KeyError, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
