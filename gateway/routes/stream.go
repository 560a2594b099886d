package routes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tokensale/core/events"
	"tokensale/native/crowdsale"
)

const (
	wsWriteTimeout   = 10 * time.Second
	defaultHubBuffer = 64
)

// Hub fans committed purchases out to websocket subscribers. It is an
// events.Emitter and never blocks the engine: a subscriber whose buffer is
// full is dropped and its channel closed.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan *crowdsale.Purchase]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{subs: make(map[chan *crowdsale.Purchase]struct{}), buffer: buffer, logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	purchase, ok := evt.(crowdsale.TokenPurchase)
	if !ok || purchase.Purchase == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- purchase.Purchase.Copy():
		default:
			delete(h.subs, ch)
			close(ch)
			h.logger.Warn("dropping slow purchase subscriber", slog.Uint64("seq", purchase.Purchase.Seq))
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan *crowdsale.Purchase, func()) {
	ch := make(chan *crowdsale.Purchase, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from must be a sequence number"})
			return
		}
		from = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Subscribe before reading the backlog so nothing committed in between
	// is missed; duplicates are skipped by sequence number.
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	last := from
	for _, p := range s.sale.Purchases() {
		if p.Seq <= last {
			continue
		}
		if err := writePurchase(ctx, conn, p); err != nil {
			return
		}
		last = p.Seq
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if p.Seq <= last {
				continue
			}
			if err := writePurchase(ctx, conn, p); err != nil {
				return
			}
			last = p.Seq
		}
	}
}

func writePurchase(ctx context.Context, conn *websocket.Conn, p *crowdsale.Purchase) error {
	data, err := json.Marshal(p.View())
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
