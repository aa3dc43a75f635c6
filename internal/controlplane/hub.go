package controlplane

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zeebo/blake3"

	"github.com/loykin/botfleet/internal/metrics"
)

var (
	// ErrMailboxFull is returned when a worker has not drained its queue.
	ErrMailboxFull = errors.New("control mailbox full")
	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("control hub closed")
)

const (
	defaultMailboxSize = 64
	pingInterval       = 20 * time.Second
	readTimeout        = 3 * pingInterval
	writeTimeout       = 5 * time.Second
	tokenContext       = "botfleet control token v1"
)

// DefaultTimeouts bounds how long Send waits for each action's reply.
var DefaultTimeouts = map[Action]time.Duration{
	ActionUpdatePresence: 600 * time.Millisecond,
	ActionQueryProfile:   1200 * time.Millisecond,
	ActionQueryMetrics:   1000 * time.Millisecond,
	ActionUpdateProfile:  1500 * time.Millisecond,
}

// HubOptions configures a Hub. Zero values are usable; an empty Secret makes
// tokens valid for the life of the Hub only.
type HubOptions struct {
	Secret      string
	Timeouts    map[Action]time.Duration
	MailboxSize int
	Logger      *slog.Logger
}

// Hub is the daemon end of the control plane. Workers connect to it over a
// WebSocket; Send pushes a request into a worker's mailbox and waits for the
// correlated reply. Mailboxes outlive connections, so a request queued while
// a worker restarts is delivered once it reconnects.
type Hub struct {
	key      [32]byte
	timeouts map[Action]time.Duration
	boxSize  int
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool

	lmu       sync.Mutex
	listeners map[string]*listener
}

type listener struct {
	name   string
	action Action
	ch     chan Reply
}

type outbound struct {
	frame   []byte
	expires time.Time // zero: never
}

type mailbox struct {
	queue chan outbound
	conn  *websocket.Conn
	gen   uint64
}

func NewHub(opts HubOptions) (*Hub, error) {
	h := &Hub{
		timeouts:  make(map[Action]time.Duration, len(DefaultTimeouts)),
		boxSize:   opts.MailboxSize,
		log:       opts.Logger,
		boxes:     make(map[string]*mailbox),
		listeners: make(map[string]*listener),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if opts.Secret != "" {
		blake3.DeriveKey(tokenContext, []byte(opts.Secret), h.key[:])
	} else if _, err := rand.Read(h.key[:]); err != nil {
		return nil, fmt.Errorf("control token key: %w", err)
	}
	for a, d := range DefaultTimeouts {
		h.timeouts[a] = d
	}
	for a, d := range opts.Timeouts {
		if d > 0 {
			h.timeouts[a] = d
		}
	}
	if h.boxSize <= 0 {
		h.boxSize = defaultMailboxSize
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h, nil
}

// Token returns the credential a worker named processName presents when it
// connects.
func (h *Hub) Token(processName string) string {
	hasher, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		// the key is always 32 bytes
		panic("controlplane: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write([]byte(processName))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (h *Hub) validToken(name, token string) bool {
	want := h.Token(name)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// Timeout returns the reply deadline applied to action.
func (h *Hub) Timeout(action Action) time.Duration {
	if d, ok := h.timeouts[action]; ok {
		return d
	}
	return time.Second
}

// Send delivers req to the worker named name and waits for its reply. A
// missing reply within the action's timeout yields OutcomePending, not an
// error. Errors are reserved for requests that could not be queued.
func (h *Hub) Send(ctx context.Context, name string, req Request) (Result, error) {
	action := req.Action()
	id := uuid.NewString()
	res := Result{Outcome: OutcomePending, RequestID: id}

	frame, err := Encode(id, req)
	if err != nil {
		return res, err
	}
	timeout := h.Timeout(action)
	var expires time.Time
	if action == ActionQueryProfile || action == ActionQueryMetrics {
		// a late query answers nobody; updates still apply when delivered late
		expires = time.Now().Add(timeout)
	}

	l := &listener{name: name, action: action, ch: make(chan Reply, 1)}
	h.addListener(id, l)
	defer h.removeListener(id)

	begin := time.Now()
	if err := h.enqueue(name, outbound{frame: frame, expires: expires}); err != nil {
		metrics.ObserveControl(string(action), "error", time.Since(begin), false)
		return res, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-l.ch:
		res.Reply = rep
		res.Outcome = OutcomeReplied
		if _, ok := rep.(Rejected); ok {
			res.Outcome = OutcomeRejected
		}
	case <-timer.C:
		h.log.Debug("control reply timed out", "process", name, "action", action, "request_id", id)
	case <-ctx.Done():
		metrics.ObserveControl(string(action), string(OutcomePending), time.Since(begin), false)
		return res, ctx.Err()
	}
	metrics.ObserveControl(string(action), string(res.Outcome), time.Since(begin), res.Reply != nil)
	return res, nil
}

// Listeners reports outstanding requests awaiting a reply.
func (h *Hub) Listeners() int {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	return len(h.listeners)
}

func (h *Hub) addListener(id string, l *listener) {
	h.lmu.Lock()
	h.listeners[id] = l
	n := len(h.listeners)
	h.lmu.Unlock()
	metrics.SetControlListeners(n)
}

func (h *Hub) removeListener(id string) {
	h.lmu.Lock()
	delete(h.listeners, id)
	n := len(h.listeners)
	h.lmu.Unlock()
	metrics.SetControlListeners(n)
}

// deliver hands rep to the listener waiting on id. Replies for unknown or
// already answered ids, from another process, or of the wrong kind are dropped.
func (h *Hub) deliver(name, id string, rep Reply) bool {
	h.lmu.Lock()
	l := h.listeners[id]
	if l == nil || l.name != name || !expects(l.action, rep.Action()) {
		h.lmu.Unlock()
		return false
	}
	delete(h.listeners, id)
	n := len(h.listeners)
	h.lmu.Unlock()
	metrics.SetControlListeners(n)
	l.ch <- rep
	return true
}

func (h *Hub) box(name string) (*mailbox, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	b := h.boxes[name]
	if b == nil {
		b = &mailbox{queue: make(chan outbound, h.boxSize)}
		h.boxes[name] = b
	}
	return b, nil
}

func (h *Hub) enqueue(name string, m outbound) error {
	b, err := h.box(name)
	if err != nil {
		return err
	}
	select {
	case b.queue <- m:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, name)
	}
}

// Pending reports how many frames wait in name's mailbox.
func (h *Hub) Pending(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.boxes[name]; b != nil {
		return len(b.queue)
	}
	return 0
}

// Connected reports whether a worker named name holds a live connection.
func (h *Hub) Connected(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.boxes[name]
	return b != nil && b.conn != nil
}

// Connections counts live worker connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectionsLocked()
}

func (h *Hub) connectionsLocked() int {
	n := 0
	for _, b := range h.boxes {
		if b.conn != nil {
			n++
		}
	}
	return n
}

// Forget drops name's mailbox and closes its connection.
func (h *Hub) Forget(name string) {
	h.mu.Lock()
	b := h.boxes[name]
	delete(h.boxes, name)
	n := h.connectionsLocked()
	h.mu.Unlock()
	if b != nil && b.conn != nil {
		_ = b.conn.Close()
	}
	metrics.SetControlConnections(n)
}

// Close disconnects every worker and rejects further Sends.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []*websocket.Conn
	for _, b := range h.boxes {
		if b.conn != nil {
			conns = append(conns, b.conn)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	metrics.SetControlConnections(0)
	return nil
}

// ServeHTTP upgrades a worker connection. The worker names itself with the
// "name" query parameter and authenticates with a bearer token from Token.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if name == "" || !h.validToken(name, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b, err := h.box(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("control upgrade failed", "process", name, "error", err)
		return
	}
	gen := h.attach(name, b, conn)
	h.log.Info("worker connected", "process", name)

	done := make(chan struct{})
	go h.writeLoop(name, b, conn, done)
	h.readLoop(name, conn)
	close(done)
	h.detach(name, b, conn, gen)
	h.log.Info("worker disconnected", "process", name)
}

// attach makes conn the mailbox's live connection, closing any previous one.
func (h *Hub) attach(name string, b *mailbox, conn *websocket.Conn) uint64 {
	h.mu.Lock()
	prev := b.conn
	b.conn = conn
	b.gen++
	gen := b.gen
	n := h.connectionsLocked()
	h.mu.Unlock()
	if prev != nil {
		h.log.Debug("replacing worker connection", "process", name)
		_ = prev.Close()
	}
	metrics.SetControlConnections(n)
	return gen
}

func (h *Hub) detach(_ string, b *mailbox, conn *websocket.Conn, gen uint64) {
	h.mu.Lock()
	if b.gen == gen && b.conn == conn {
		b.conn = nil
	}
	n := h.connectionsLocked()
	h.mu.Unlock()
	_ = conn.Close()
	metrics.SetControlConnections(n)
}

func (h *Hub) readLoop(name string, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		id, rep, err := DecodeReply(frame)
		if err != nil {
			h.log.Debug("dropping control frame", "process", name, "error", err)
			continue
		}
		if !h.deliver(name, id, rep) {
			h.log.Debug("dropping stale control reply", "process", name, "request_id", id, "action", rep.Action())
		}
	}
}

func (h *Hub) writeLoop(name string, b *mailbox, conn *websocket.Conn, done <-chan struct{}) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case m := <-b.queue:
			if !m.expires.IsZero() && time.Now().After(m.expires) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, m.frame); err != nil {
				h.log.Debug("control write failed, requeueing", "process", name, "error", err)
				select {
				case b.queue <- m:
				default:
				}
				_ = conn.Close()
				return
			}
		}
	}
}
