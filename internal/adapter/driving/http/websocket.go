package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer  = 128
	clientBuffer = 32
	writeWait    = 10 * time.Second
	lookupWait   = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the UI origin once it is served from a known host
	CheckOrigin: func(r *http.Request) bool { return true },
}

type incomingCallEvent struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id"`
	From        string `json:"from"`
	DisplayName string `json:"display_name"`
	MediaType   string `json:"media_type"`
}

type stateChangeEvent struct {
	Event   string     `json:"event"`
	Session sessionDTO `json:"session"`
	From    string     `json:"from"`
	To      string     `json:"to"`
	Error   string     `json:"error,omitempty"`
}

type presenceEvent struct {
	Event string `json:"event"`
	presenceDTO
}

type uiClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans call and presence notifications out to every connected UI
// client. Publishing never blocks; events are dropped when the hub is
// saturated.
type EventHub struct {
	profiles port.ProfileDirectory

	mu         sync.Mutex
	clients    map[*uiClient]bool
	broadcast  chan any
	register   chan *uiClient
	unregister chan *uiClient
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewEventHub(profiles port.ProfileDirectory) *EventHub {
	return &EventHub{
		profiles:   profiles,
		clients:    make(map[*uiClient]bool),
		broadcast:  make(chan any, eventBuffer),
		register:   make(chan *uiClient),
		unregister: make(chan *uiClient),
		quit:       make(chan struct{}),
	}
}

// IncomingCall is a CallManager incoming-call observer.
func (h *EventHub) IncomingCall(c service.IncomingCall) {
	h.publish(c)
}

// StateChanged is a CallManager state observer.
func (h *EventHub) StateChanged(c service.StateChange) {
	h.publish(c)
}

// PresenceChanged is a PresenceTracker subscriber.
func (h *EventHub) PresenceChanged(p domain.UserPresence) {
	h.publish(p)
}

func (h *EventHub) publish(ev any) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().Msg("Event channel full, dropping UI event")
	}
}

func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("UI client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				log.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("UI client unregistered")
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			data, err := json.Marshal(h.render(ev))
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode UI event")
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					log.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("UI client too slow, disconnecting")
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *EventHub) render(ev any) any {
	switch e := ev.(type) {
	case service.IncomingCall:
		return incomingCallEvent{
			Event:       "incoming_call",
			SessionID:   e.SessionID.String(),
			From:        e.From.String(),
			DisplayName: h.displayName(e.From),
			MediaType:   string(e.MediaType),
		}
	case service.StateChange:
		out := stateChangeEvent{
			Event:   "state_change",
			Session: toSessionDTO(e.Session),
			From:    string(e.From),
			To:      string(e.To),
		}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		return out
	case domain.UserPresence:
		return presenceEvent{Event: "presence", presenceDTO: toPresenceDTO(e)}
	}
	return ev
}

func (h *EventHub) displayName(userID domain.UserID) string {
	if h.profiles == nil {
		return userID.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupWait)
	defer cancel()
	p, err := h.profiles.Lookup(ctx, userID)
	if err != nil || p.DisplayName == "" {
		return userID.String()
	}
	return p.DisplayName
}

// ServeEvents streams UI events over a websocket until the client leaves.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	c := &uiClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.Events.register <- c:
	case <-h.Events.quit:
		conn.Close()
		return
	}

	go writeEvents(c)

	defer func() {
		select {
		case h.Events.unregister <- c:
		case <-h.Events.quit:
		}
		conn.Close()
	}()

	// The UI only listens; reading keeps control frames flowing and detects
	// the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
	}
}

func writeEvents(c *uiClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
