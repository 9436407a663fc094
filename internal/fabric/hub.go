package fabric

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub is the upstream proxy: it accepts one session per connected TURN
// instance, assigns each a stable index, gossips the combined
// ProxyStateNotify view to every session, and routes CreatePermission
// and Relay frames to the session whose index they target.
//
// Hub implements http.Handler so it can be mounted on any HTTP server.
type Hub struct {
	mu       sync.Mutex
	sessions map[uint8]*hubSession
	nextIdx  uint8
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

type hubSession struct {
	index    uint8
	external StateNode
	conn     *websocket.Conn
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions: make(map[uint8]*hubSession),
		nextIdx:  1,
		log:      logger.With("component", "fabric-hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		_ = s.conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
	h.cancel()
}

// ServeHTTP accepts one instance's fabric session. The first frame must
// be a self-announcing ProxyStateNotify carrying exactly one node.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx := h.ctx

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	tag, body, err := DecodeFrame(data)
	if err != nil || tag != TagProxyStateNotify {
		h.log.Warn("first fabric frame was not a self-announce", "error", err)
		return
	}
	nodes, err := DecodeProxyStateNotify(body)
	if err != nil || len(nodes) != 1 {
		h.log.Warn("malformed self-announce", "error", err)
		return
	}

	h.mu.Lock()
	index := h.nextIdx
	h.nextIdx++
	sess := &hubSession{index: index, external: StateNode{Index: index, External: nodes[0].External, Online: true}, conn: c}
	h.sessions[index] = sess
	h.mu.Unlock()

	h.log.Info("fabric session joined", "index", index, "external", nodes[0].External)
	h.broadcastState()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, index)
		h.mu.Unlock()
		h.log.Info("fabric session left", "index", index)
		h.broadcastState()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		h.route(ctx, data)
	}
}

func (h *Hub) route(ctx context.Context, data []byte) {
	tag, body, err := DecodeFrame(data)
	if err != nil {
		h.log.Warn("dropping malformed fabric frame", "error", err)
		return
	}

	var dest uint8
	switch tag {
	case TagCreatePermission:
		msg, err := DecodeCreatePermission(body)
		if err != nil {
			h.log.Warn("malformed CreatePermission", "error", err)
			return
		}
		dest = msg.ID
	case TagRelay:
		msg, err := DecodeRelay(body)
		if err != nil {
			h.log.Warn("malformed Relay", "error", err)
			return
		}
		dest = msg.Dest
	default:
		h.log.Warn("unexpected frame from session", "tag", tag)
		return
	}

	h.mu.Lock()
	target, ok := h.sessions[dest]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("destination index not online, dropping", "dest", dest, "tag", tag)
		return
	}
	if err := target.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		h.log.Warn("forwarding to destination failed", "dest", dest, "error", err)
	}
}

func (h *Hub) broadcastState() {
	h.mu.Lock()
	nodes := make([]StateNode, 0, len(h.sessions))
	sessions := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		nodes = append(nodes, s.external)
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	frame := EncodeFrame(TagProxyStateNotify, EncodeProxyStateNotify(nodes))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			h.log.Warn("state broadcast failed", "index", s.index, "error", err)
		}
	}
}
