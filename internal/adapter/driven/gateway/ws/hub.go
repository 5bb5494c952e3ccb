package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Endpoints are not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayPeer is one endpoint connected to the hub.
type relayPeer struct {
	id   domain.UserID
	conn *websocket.Conn
	send chan []byte
}

// Hub is the relay side of the websocket transport: one connection per
// user, each envelope forwarded to the connection named by its "to" field.
// Envelopes for users that are not connected are dropped.
type Hub struct {
	mu    sync.RWMutex
	peers map[domain.UserID]*relayPeer

	register   chan *relayPeer
	unregister chan *relayPeer
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		peers:      make(map[domain.UserID]*relayPeer),
		register:   make(chan *relayPeer),
		unregister: make(chan *relayPeer),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, p := range h.peers {
				close(p.send)
				delete(h.peers, id)
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			if old, ok := h.peers[p.id]; ok {
				// A reconnect replaces the previous socket.
				close(old.send)
				log.Info().Str("user_id", p.id.String()).Msg("Replacing relay connection")
			}
			h.peers[p.id] = p
			h.mu.Unlock()
			log.Info().Str("user_id", p.id.String()).Msg("Endpoint registered")

		case p := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.peers[p.id]; ok && cur == p {
				delete(h.peers, p.id)
				close(p.send)
				log.Info().Str("user_id", p.id.String()).Msg("Endpoint unregistered")
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Connected reports whether userID currently has a relay connection.
func (h *Hub) Connected(userID domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[userID]
	return ok
}

// Router exposes the relay endpoint at /relay.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/relay", h.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// ServeWS upgrades an endpoint connection. The endpoint identifies itself
// with the "user" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(r.URL.Query().Get("user"))
	if userID.IsZero() {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	p := &relayPeer{id: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- p:
	case <-h.quit:
		conn.Close()
		return
	}

	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) route(from domain.UserID, data []byte) {
	to, err := wire.Recipient(data)
	if err != nil || to.IsZero() {
		log.Warn().Err(err).Str("from", from.String()).Msg("Dropping unroutable envelope")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dst, ok := h.peers[to]
	if !ok {
		log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Recipient not connected, dropping")
		return
	}
	select {
	case dst.send <- data:
	default:
		log.Warn().Str("to", to.String()).Msg("Recipient send buffer full, dropping")
	}
}

func (h *Hub) readPump(p *relayPeer) {
	l := log.With().Str("user_id", p.id.String()).Logger()
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.quit:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		h.route(p.id, data)
	}
}

func (h *Hub) writePump(p *relayPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
