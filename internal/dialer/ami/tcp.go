package ami

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TCPConfig holds network client configuration.
type TCPConfig struct {
	Address  string
	Username string
	Secret   string

	// ActionTimeout bounds the round trip of one action (default 10s).
	ActionTimeout time.Duration
	// ConnectTimeout bounds dial + banner + login (default 5s).
	ConnectTimeout time.Duration
	// ReconnectMinDelay / ReconnectMaxDelay bound the backoff between
	// reconnection attempts (defaults 500ms / 30s).
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	Logger *slog.Logger
}

func (c *TCPConfig) applyDefaults() {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TCPClient is the network implementation of Client. It maintains one
// authenticated connection, demultiplexes responses to pending actions on a
// single read loop, fans events out to subscribers, and reconnects with
// capped exponential backoff when the link drops.
type TCPClient struct {
	cfg    TCPConfig
	logger *slog.Logger

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	reconnecting bool
	closed       bool
	pending      map[string]chan *Frame

	subsMu  sync.RWMutex
	subs    map[string]map[int]EventHandler
	nextSub int

	closeCh chan struct{}
}

// NewTCPClient connects, reads the banner, and logs in. An authentication
// failure tears the connection down and returns ErrAuthFailed.
func NewTCPClient(cfg TCPConfig) (*TCPClient, error) {
	cfg.applyDefaults()
	c := &TCPClient{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[string]chan *Frame),
		subs:    make(map[string]map[int]EventHandler),
		closeCh: make(chan struct{}),
	}

	conn, reader, err := c.dialAndLogin()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn, reader)
	return c, nil
}

// dialAndLogin establishes a fresh authenticated connection. Login is
// completed before the read loop starts so the first frame a caller can race
// against is already past authentication.
func (c *TCPClient) dialAndLogin() (net.Conn, *bufio.Reader, error) {
	conn, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = conn.SetDeadline(deadline)
	reader := bufio.NewReader(conn)

	banner, err := ReadBanner(reader)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	c.logger.Debug("[AMI] Connected", "address", c.cfg.Address, "banner", banner)

	loginID := uuid.New().String()
	login := NewFrame("Action", "Login").
		Add("ActionID", loginID).
		Add("Username", c.cfg.Username).
		Add("Secret", c.cfg.Secret)
	if _, err := login.WriteTo(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send login: %w", err)
	}

	// Read until the login response; the PBX may interleave events.
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("await login response: %w", err)
		}
		if f.ActionID() != loginID {
			continue
		}
		if !f.Success() {
			conn.Close()
			c.logger.Error("[AMI] Login rejected", "message", f.Get("Message"))
			return nil, nil, fmt.Errorf("%w: %s", ErrAuthFailed, f.Get("Message"))
		}
		break
	}

	_ = conn.SetDeadline(time.Time{})
	c.logger.Info("[AMI] Logged in", "address", c.cfg.Address, "username", c.cfg.Username)
	return conn, reader, nil
}

// readLoop demultiplexes inbound frames for one connection generation.
func (c *TCPClient) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		if f.IsEvent() {
			c.dispatch(ParseEvent(f))
			continue
		}

		if id := f.ActionID(); id != "" {
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			} else {
				c.logger.Debug("[AMI] Response with no pending action", "action_id", id)
			}
			continue
		}

		c.logger.Debug("[AMI] Ignoring frame", "fields", len(f.Fields))
	}
}

// handleDisconnect fails pending actions and kicks off reconnection.
func (c *TCPClient) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if conn != c.conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil // nil frame marks connection loss
	}
	closed := c.closed
	alreadyReconnecting := c.reconnecting
	if !closed {
		c.reconnecting = true
	}
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	c.logger.Warn("[AMI] Connection lost", "address", c.cfg.Address, "error", cause)
	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-establishes the connection with capped exponential
// backoff. Event subscriptions are untouched; the new read loop resumes
// delivering to them.
func (c *TCPClient) reconnectLoop() {
	delay := c.cfg.ReconnectMinDelay
	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		conn, reader, err := c.dialAndLogin()
		if err != nil {
			c.logger.Warn("[AMI] Reconnect failed", "error", err, "retry_in", delay.String())
			delay *= 2
			if delay > c.cfg.ReconnectMaxDelay {
				delay = c.cfg.ReconnectMaxDelay
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.reconnecting = false
		c.mu.Unlock()

		c.logger.Info("[AMI] Reconnected", "address", c.cfg.Address)
		go c.readLoop(conn, reader)
		return
	}
}

// dispatch fans an event out to subscribers, isolating handler panics.
func (c *TCPClient) dispatch(ev Event) {
	c.subsMu.RLock()
	handlers := make([]EventHandler, 0, 4)
	for _, h := range c.subs[ev.Name()] {
		handlers = append(handlers, h)
	}
	for _, h := range c.subs["*"] {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()

	for _, h := range handlers {
		c.safeHandle(h, ev)
	}
}

func (c *TCPClient) safeHandle(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("[AMI] Event handler panic",
				"event", ev.Name(),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	h(ev)
}

// Subscribe implements Client.
func (c *TCPClient) Subscribe(event string, handler EventHandler) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]EventHandler)
	}
	c.subs[event][id] = handler
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs[event], id)
	}
}

// action runs one correlated request/response exchange.
func (c *TCPClient) action(ctx context.Context, name string, fields []Field) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, &ActionError{Action: name, Cause: ErrNotConnected}
	}
	id := uuid.New().String()
	frame := NewFrame("Action", name).Add("ActionID", id)
	for _, f := range fields {
		frame.Add(f.Key, f.Value)
	}
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ActionTimeout))
	if _, err := frame.WriteTo(conn); err != nil {
		c.removePending(id)
		return nil, &ActionError{Action: name, Cause: ErrConnectionLost}
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f == nil {
			return nil, &ActionError{Action: name, Cause: ErrConnectionLost}
		}
		return frameToResponse(f), nil
	case <-timer.C:
		c.removePending(id)
		return nil, &ActionError{Action: name, Cause: ErrActionTimeout}
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.closeCh:
		c.removePending(id)
		return nil, ErrClientClosed
	}
}

func (c *TCPClient) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func frameToResponse(f *Frame) *Response {
	resp := &Response{
		Success: f.Success(),
		Message: f.Get("Message"),
		Fields:  make(map[string]string, len(f.Fields)),
	}
	for _, fld := range f.Fields {
		switch fld.Key {
		case "Response", "ActionID", "Message":
		default:
			resp.Fields[fld.Key] = fld.Value
		}
	}
	return resp
}

// Originate implements Client.
func (c *TCPClient) Originate(ctx context.Context, req OriginateRequest) (*Response, error) {
	return c.action(ctx, "Originate", buildOriginateFields(req))
}

// PlayAudio implements Client.
func (c *TCPClient) PlayAudio(ctx context.Context, channel, audioRef string) (*Response, error) {
	return c.action(ctx, "PlayAudio", []Field{
		{Key: "Channel", Value: channel},
		{Key: "Playback", Value: audioRef},
	})
}

// TransferToExtension implements Client.
func (c *TCPClient) TransferToExtension(ctx context.Context, channel, extension string) (*Response, error) {
	return c.action(ctx, "Redirect", []Field{
		{Key: "Channel", Value: channel},
		{Key: "Exten", Value: extension},
	})
}

// TransferToQueue implements Client.
func (c *TCPClient) TransferToQueue(ctx context.Context, channel, queue string) (*Response, error) {
	return c.action(ctx, "Redirect", []Field{
		{Key: "Channel", Value: channel},
		{Key: "Queue", Value: queue},
	})
}

// Hangup implements Client.
func (c *TCPClient) Hangup(ctx context.Context, channel string) (*Response, error) {
	return c.action(ctx, "Hangup", []Field{
		{Key: "Channel", Value: channel},
	})
}

// Close implements Client. Safe to call multiple times.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.connected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}
