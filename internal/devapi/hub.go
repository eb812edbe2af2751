package devapi

import (
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/realtime"
)

// peer is one realtime connection; gorilla connections allow a single writer.
type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) send(ev realtime.Event) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(ev)
}

// Hub tracks realtime connections per user.
type Hub struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]map[*peer]struct{}
	log   *zap.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{peers: map[uuid.UUID]map[*peer]struct{}{}, log: log}
}

func (h *Hub) register(userID uuid.UUID, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[userID]; !ok {
		h.peers[userID] = map[*peer]struct{}{}
	}
	h.peers[userID][p] = struct{}{}
	h.log.Debug("realtime peer registered", zap.String("user_id", userID.String()))
}

func (h *Hub) unregister(userID uuid.UUID, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ps, ok := h.peers[userID]; ok {
		delete(ps, p)
		if len(ps) == 0 {
			delete(h.peers, userID)
		}
	}
}

// Connected reports how many connections userID holds.
func (h *Hub) Connected(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[userID])
}

// Push sends an event to every connection of userID.
func (h *Hub) Push(userID uuid.UUID, typ string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("realtime payload", zap.Error(err))
		return
	}
	ev := realtime.Event{Type: typ, Data: raw}

	h.mu.RLock()
	ps := make([]*peer, 0, len(h.peers[userID]))
	for p := range h.peers[userID] {
		ps = append(ps, p)
	}
	h.mu.RUnlock()

	for _, p := range ps {
		if err := p.send(ev); err != nil {
			h.log.Debug("realtime push failed", zap.Error(err))
		}
	}
}
