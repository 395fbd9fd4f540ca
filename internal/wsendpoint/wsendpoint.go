// Package wsendpoint implements the Streaming Endpoint component (spec
// §4.8): a bidirectional, message-oriented transport over WebSocket,
// carrying the authenticate/message/ping frame protocol and driving one
// chatservice.Service cycle per accepted "message" frame. Grounded in
// AleutianLocal's services/orchestrator/handlers/websocket.go — the only
// pack example with a bidirectional framed protocol — since the teacher
// repo is SSE-only (handler/chat.go).
package wsendpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/chatservice"
)

// Close status codes in the 4000-4999 application-defined range (spec
// §4.8's authentication handshake failure statuses).
const (
	StatusAuthRequired        = 4001
	StatusAuthFailed          = 4002
	StatusAuthTimeout         = 4003
	StatusTooManyConnections  = 4004
)

// Defaults (spec §4.8, overridden by config.Config in production).
const (
	DefaultAuthTimeout         = 30 * time.Second
	DefaultChatLimitPerMinute  = 20
	DefaultMaxConnPerUser      = 5
)

// outboxCapacity bounds the per-handle outgoing frame buffer (spec §4.8's
// back-pressure requirement). A consumer too slow to drain it within this
// many frames is treated as stalled: the in-flight turn is aborted rather
// than letting the buffer, and the memory behind it, grow without bound.
const outboxCapacity = 32

// Verifier authenticates an opaque bearer token into a user id. Satisfied
// directly by *service.AuthService.VerifyToken.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Config tunes the endpoint's timing/limits; zero values fall back to the
// spec-documented defaults.
type Config struct {
	AuthTimeout        time.Duration
	ChatLimitPerMinute int
	MaxConnPerUser     int
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.ChatLimitPerMinute <= 0 {
		c.ChatLimitPerMinute = DefaultChatLimitPerMinute
	}
	if c.MaxConnPerUser <= 0 {
		c.MaxConnPerUser = DefaultMaxConnPerUser
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Endpoint is the /ws/chat handler. One Endpoint serves every connection;
// per-connection state lives in a handle.
type Endpoint struct {
	chat     *chatservice.Service
	verifier Verifier
	cache    cacheclient.Cache
	profiles chatservice.ProfileSource
	cfg      Config

	connMu    sync.Mutex
	connCount map[string]int
}

// New constructs an Endpoint. cache and profiles may be nil — rate limiting
// and profile preloading then degrade to fail-open / no personalization,
// matching the Cache Client and Chat Service's own degradation rules.
func New(chat *chatservice.Service, verifier Verifier, cache cacheclient.Cache, profiles chatservice.ProfileSource, cfg Config) *Endpoint {
	return &Endpoint{
		chat:      chat,
		verifier:  verifier,
		cache:     cache,
		profiles:  profiles,
		cfg:       cfg.withDefaults(),
		connCount: make(map[string]int),
	}
}

// ServeHTTP upgrades the connection and runs its handle to completion.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsendpoint: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		conn:   conn,
		ep:     e,
		ctx:    ctx,
		cancel: cancel,
	}
	h.run()
}

// handle is one WebSocket connection's lifecycle: INIT -> ACTIVE -> CLOSED
// (AUTHENTICATED is a transient intermediate point within authenticate(),
// never independently observable). The protocol defines no per-turn cancel
// frame, so a cycle's only interruption point is the connection closing —
// h.ctx is canceled when the handle's read loop exits or when writePump
// hits a write error, whichever comes first.
type handle struct {
	conn   *websocket.Conn
	ep     *Endpoint
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	outbox  chan []byte

	turnMu        sync.Mutex
	turnCancel    context.CancelFunc
	backpressured bool

	userID    string
	sessionID string
	admitted  bool
}

type inFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
}

func (h *handle) run() {
	defer h.cancel()
	defer h.conn.Close()
	defer func() {
		if h.admitted {
			h.ep.release(h.userID)
		}
	}()

	h.outbox = make(chan []byte, outboxCapacity)
	defer close(h.outbox)
	go h.writePump()

	if !h.authenticate() {
		return
	}

	msgCh := make(chan string, 1)
	go h.processLoop(msgCh)
	defer close(msgCh)

	for {
		var frame inFrame
		if err := h.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			h.sendPong()
		case "message":
			if !h.admitRateLimit() {
				h.sendError("rate limit exceeded, try again shortly")
				continue
			}
			select {
			case msgCh <- frame.Content:
			case <-h.ctx.Done():
				return
			}
		default:
			h.sendError("unrecognized frame type")
		}
	}
}

// authenticate runs the INIT handshake (spec §4.8 steps 2-5): the first
// frame must be "authenticate" within AuthTimeout, verified via Verifier.
// On success the user's profile is fetched once and written into the
// shared Cache Client under profile:{user_id} — giving it connection-scoped
// freshness without threading a bypass path through the Chat Service, which
// performs its own cache-or-source profile lookup every cycle regardless.
func (h *handle) authenticate() bool {
	type result struct {
		frame inFrame
		err   error
	}
	read := make(chan result, 1)
	go func() {
		var frame inFrame
		err := h.conn.ReadJSON(&frame)
		read <- result{frame, err}
	}()

	var res result
	select {
	case res = <-read:
	case <-time.After(h.ep.cfg.AuthTimeout):
		h.closeWithStatus(StatusAuthTimeout, "authentication timed out")
		return false
	}
	if res.err != nil {
		return false
	}
	if res.frame.Type != "authenticate" {
		h.closeWithStatus(StatusAuthRequired, "first frame must be authenticate")
		return false
	}

	userID, err := h.ep.verifier.VerifyToken(h.ctx, res.frame.Token)
	if err != nil {
		h.closeWithStatus(StatusAuthFailed, "authentication failed")
		return false
	}
	h.userID = userID

	if !h.ep.admit(userID) {
		h.closeWithStatus(StatusTooManyConnections, "too many concurrent connections for this user")
		return false
	}
	h.admitted = true

	if h.ep.profiles != nil && h.ep.cache != nil {
		if profile, err := h.ep.profiles.GetProfile(h.ctx, userID); err == nil && profile != nil {
			if raw, err := json.Marshal(profile); err == nil {
				h.ep.cache.Set(h.ctx, cacheclient.ProfileKey(userID), raw, cacheclient.ProfileTTL)
			}
		}
	}

	h.sendFrame(map[string]any{
		"type":      "connected",
		"message":   "connected",
		"timestamp": nowISO(),
	})
	return true
}

// admitRateLimit enforces CHAT_LIMIT_PER_MINUTE (spec §4.8) via the Cache
// Client's incr. A cache outage fails open, per the Cache Client's own
// contract: ok=false must never be treated as a denial.
func (h *handle) admitRateLimit() bool {
	if h.ep.cache == nil {
		return true
	}
	window := time.Now().Unix() / 60
	key := cacheclient.RateLimitKey(h.userID, window)
	n, ok := h.ep.cache.Incr(h.ctx, key)
	if !ok {
		return true
	}
	if n == 1 {
		h.ep.cache.Expire(h.ctx, key, 60*time.Second)
	}
	return n <= int64(h.ep.cfg.ChatLimitPerMinute)
}

// processLoop runs one Chat Service cycle per queued message, serializing
// cycles on this handle: the reader loop's blocking send on msgCh is what
// makes a second "message" frame wait until the first reaches done=true or
// cancellation (spec §4.8).
func (h *handle) processLoop(msgCh <-chan string) {
	for content := range msgCh {
		h.runCycle(content)
	}
}

func (h *handle) runCycle(content string) {
	turnCtx, turnCancel := context.WithCancel(h.ctx)
	h.turnMu.Lock()
	h.turnCancel = turnCancel
	h.backpressured = false
	h.turnMu.Unlock()
	defer turnCancel()

	events, err := h.ep.chat.SendMessage(turnCtx, h.userID, chatservice.Request{
		Message:    content,
		SessionID:  h.sessionID,
		UseRAG:     true,
		UseHistory: true,
	})
	if err != nil {
		h.sendError(err.Error())
		return
	}

	for ev := range events {
		if ev.SessionID != "" {
			h.sessionID = ev.SessionID
		}
		switch {
		case ev.Err != nil:
			h.sendError(ev.Err.Error())
		case ev.Delta != "" || ev.Done:
			h.sendFrame(map[string]any{
				"type":      "response",
				"content":   ev.Delta,
				"done":      ev.Done,
				"cached":    ev.Usage.Cached,
				"timestamp": nowISO(),
			})
		}
	}
}

// writePump is the handle's sole writer: every data frame passes through
// outbox so sendFrame can detect a stalled consumer instead of blocking
// indefinitely on conn.WriteJSON.
func (h *handle) writePump() {
	for data := range h.outbox {
		h.writeMu.Lock()
		err := h.conn.WriteMessage(websocket.TextMessage, data)
		h.writeMu.Unlock()
		if err != nil {
			slog.Warn("wsendpoint: write failed", "user_id", h.userID, "error", err)
			h.cancel()
			return
		}
	}
}

func (h *handle) sendPong() {
	h.sendFrame(map[string]any{"type": "pong"})
}

func (h *handle) sendError(message string) {
	h.sendFrame(map[string]any{"type": "error", "message": message})
}

// sendFrame enqueues v onto the outbox without blocking. A full outbox means
// the client is reading slower than the endpoint is producing (spec §4.8's
// back-pressure clause); rather than block and grow memory unbounded, the
// current turn is aborted.
func (h *handle) sendFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("wsendpoint: marshal failed", "user_id", h.userID, "error", err)
		return
	}
	select {
	case h.outbox <- data:
	default:
		h.handleBackpressure()
	}
}

// handleBackpressure cancels the in-flight LLM stream for the current turn
// and forces a terminal error frame past the stalled outbox, directly on
// the connection with a short deadline — the one frame allowed to bypass
// the queue, since the queue is exactly what's stalled. Idempotent per
// turn: only the first overflow triggers it.
func (h *handle) handleBackpressure() {
	h.turnMu.Lock()
	cancel := h.turnCancel
	already := h.backpressured
	h.backpressured = true
	h.turnMu.Unlock()
	if already {
		return
	}
	if cancel != nil {
		cancel()
	}

	data, err := json.Marshal(map[string]any{
		"type":    "error",
		"message": "client not reading fast enough, turn aborted",
	})
	if err != nil {
		return
	}
	h.writeMu.Lock()
	h.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	h.conn.WriteMessage(websocket.TextMessage, data)
	h.conn.SetWriteDeadline(time.Time{})
	h.writeMu.Unlock()
}

func (h *handle) closeWithStatus(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

func (e *Endpoint) admit(userID string) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.connCount[userID] >= e.cfg.MaxConnPerUser {
		return false
	}
	e.connCount[userID]++
	return true
}

func (e *Endpoint) release(userID string) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.connCount[userID]--
	if e.connCount[userID] <= 0 {
		delete(e.connCount, userID)
	}
}

// isoMilliLayout renders ISO-8601 with millisecond precision in UTC (spec
// §6.2), e.g. "2026-07-31T12:00:00.000Z".
const isoMilliLayout = "2006-01-02T15:04:05.000Z07:00"

func nowISO() string {
	return time.Now().UTC().Format(isoMilliLayout)
}
