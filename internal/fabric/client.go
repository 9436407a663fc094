package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/turnd/internal/turnaddr"
)

// Observer is the host application's capability set for inbound fabric
// payloads: installing a cross-instance permission, dispatching a
// relayed datagram to the matching local allocation, and absorbing the
// hub's periodic view of which remote instances are online.
type Observer interface {
	CreatePermission(from, peer turnaddr.Addr)
	Relay(owner, src turnaddr.Addr, data []byte)
	ProxyState(nodes []StateNode)
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// ClientConfig configures a Client's upstream session.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the upstream proxy hub.
	ServerURL string

	// SelfIndex is this instance's fabric mark, announced on connect.
	SelfIndex uint8

	// External is this instance's advertised public socket address.
	External turnaddr.Addr

	// SendDeadline bounds each write from the SendOrdered queues. Defaults
	// to 5s. SendUnordered and the announce use the caller's context.
	SendDeadline time.Duration

	Observer Observer
	Logger   *slog.Logger
	Reconnect ReconnectConfig
}

// Client maintains the upstream session to one proxy hub: it announces
// this instance's presence, learns the online node set, and carries
// CreatePermission/Relay payloads to and from other instances.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	onlineMu sync.RWMutex
	online   []StateNode

	orderedMu sync.Mutex
	orderedQ  map[uint8]chan []byte // dest index -> FIFO send queue

	done     chan struct{}
	cancel   context.CancelFunc
	reconnCh chan struct{}
}

func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fabric", "self_index", cfg.SelfIndex)
	return &Client{
		cfg:      cfg,
		log:      log,
		orderedQ: make(map[uint8]chan []byte),
		done:     make(chan struct{}),
		reconnCh: make(chan struct{}, 1),
	}
}

// Online returns the last-known fabric membership view.
func (c *Client) Online() []StateNode {
	c.onlineMu.RLock()
	defer c.onlineMu.RUnlock()
	out := make([]StateNode, len(c.online))
	copy(out, c.online)
	return out
}

// Connect dials the upstream hub, announces this instance, and starts
// the receive loop. Reconnection, if enabled, happens in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to fabric hub: %w", err)
	}
	if err := c.announce(ctx); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("announcing to fabric hub: %w", err)
	}

	c.log.Info("connected to fabric hub", "url", c.cfg.ServerURL)
	go c.receiveLoop(ctx)
	return nil
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

// SendUnordered fires one frame at dest with no ordering guarantee.
func (c *Client) SendUnordered(ctx context.Context, dest uint8, tag byte, body []byte) error {
	return c.write(ctx, EncodeFrame(tag, body))
}

// SendOrdered enqueues a frame on dest's FIFO queue, preserving source
// order among messages addressed to the same destination index.
func (c *Client) SendOrdered(dest uint8, tag byte, body []byte) {
	c.orderedMu.Lock()
	q, ok := c.orderedQ[dest]
	if !ok {
		q = make(chan []byte, 256)
		c.orderedQ[dest] = q
		go c.drainOrdered(dest, q)
	}
	c.orderedMu.Unlock()

	select {
	case q <- EncodeFrame(tag, body):
	default:
		c.log.Warn("ordered queue full, dropping payload", "dest", dest, "tag", tag)
	}
}

func (c *Client) drainOrdered(dest uint8, q chan []byte) {
	for frame := range q {
		deadline := c.cfg.SendDeadline
		if deadline <= 0 {
			deadline = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		if err := c.write(ctx, frame); err != nil {
			c.log.Warn("ordered send failed, dropping", "dest", dest, "error", err)
		}
		cancel()
	}
}

func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("fabric: not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// announce tells the hub this instance's self-reported external address;
// the hub assigns the authoritative index and rebroadcasts the full view.
func (c *Client) announce(ctx context.Context) error {
	body := EncodeProxyStateNotify([]StateNode{{Index: c.cfg.SelfIndex, External: c.cfg.External, Online: true}})
	return c.write(ctx, EncodeFrame(TagProxyStateNotify, body))
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	for {
		err := c.readLoop(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}
		c.log.Warn("fabric connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled || !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("fabric: no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	tag, body, err := DecodeFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed fabric frame", "error", err)
		return
	}
	switch tag {
	case TagProxyStateNotify:
		nodes, err := DecodeProxyStateNotify(body)
		if err != nil {
			c.log.Warn("malformed ProxyStateNotify", "error", err)
			return
		}
		c.onlineMu.Lock()
		c.online = nodes
		c.onlineMu.Unlock()
		if c.cfg.Observer != nil {
			c.cfg.Observer.ProxyState(nodes)
		}
	case TagCreatePermission:
		msg, err := DecodeCreatePermission(body)
		if err != nil {
			c.log.Warn("malformed CreatePermission", "error", err)
			return
		}
		if c.cfg.Observer != nil {
			c.cfg.Observer.CreatePermission(msg.From, msg.Peer)
		}
	case TagRelay:
		msg, err := DecodeRelay(body)
		if err != nil {
			c.log.Warn("malformed Relay", "error", err)
			return
		}
		if c.cfg.Observer != nil {
			c.cfg.Observer.Relay(msg.Owner, msg.Src, msg.Data)
		}
	default:
		c.log.Warn("unknown fabric tag", "tag", tag)
	}
}

func isHTTP401(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status code 101 but got 401")
}

func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	immediate := false
	select {
	case <-c.reconnCh:
		immediate = true
	default:
	}

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if !(immediate && attempt == 1) {
			backoff := maxDelay
			if attempt <= 62 {
				backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
			}
			if backoff <= 0 || backoff > maxDelay {
				backoff = maxDelay
			}
			c.log.Info("reconnecting", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			if isHTTP401(err) {
				c.log.Error("fabric hub rejected connection (401), not retrying credentials")
			}
			continue
		}
		if err := c.announce(ctx); err != nil {
			c.log.Warn("re-announce failed", "attempt", attempt, "error", err)
			c.closeConn()
			continue
		}
		c.log.Info("reconnected to fabric hub", "attempt", attempt)
		return true
	}

	c.log.Error("fabric reconnection attempts exhausted")
	return false
}
