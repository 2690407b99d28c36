package ami

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// pbxServer is a minimal scripted manager-interface endpoint.
type pbxServer struct {
	t          *testing.T
	ln         net.Listener
	rejectAuth bool
	mute       map[string]bool // actions to swallow (no response)

	mu    sync.Mutex
	conns []net.Conn
}

func newPBXServer(t *testing.T) *pbxServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &pbxServer{t: t, ln: ln, mute: make(map[string]bool)}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *pbxServer) addr() string { return s.ln.Addr().String() }

func (s *pbxServer) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *pbxServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *pbxServer) serve(conn net.Conn) {
	if _, err := conn.Write([]byte("Asterisk Call Manager/5.0\r\n")); err != nil {
		return
	}
	reader := bufio.NewReader(conn)
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			return
		}
		action := f.Get("Action")
		if s.mute[action] {
			continue
		}
		var resp *Frame
		if action == "Login" && s.rejectAuth {
			resp = NewFrame("Response", "Error").
				Add("ActionID", f.ActionID()).
				Add("Message", "Authentication failed")
		} else {
			resp = NewFrame("Response", "Success").
				Add("ActionID", f.ActionID()).
				Add("Message", action+" accepted")
		}
		if _, err := resp.WriteTo(conn); err != nil {
			return
		}
	}
}

// emit writes an event frame on the most recent connection.
func (s *pbxServer) emit(f *Frame) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if _, err := f.WriteTo(conn); err != nil {
		s.t.Logf("emit: %v", err)
	}
}

// dropConn severs the most recent connection.
func (s *pbxServer) dropConn() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	conn.Close()
}

func newTestClient(t *testing.T, s *pbxServer) *TCPClient {
	t.Helper()
	c, err := NewTCPClient(TCPConfig{
		Address:           s.addr(),
		Username:          "dialer",
		Secret:            "secret",
		ActionTimeout:     500 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTCPClient() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoginRejected(t *testing.T) {
	s := newPBXServer(t)
	s.rejectAuth = true

	_, err := NewTCPClient(TCPConfig{
		Address:  s.addr(),
		Username: "dialer",
		Secret:   "wrong",
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("NewTCPClient() error = %v, want ErrAuthFailed", err)
	}
}

func TestActionRoundTrip(t *testing.T) {
	s := newPBXServer(t)
	c := newTestClient(t, s)

	resp, err := c.Hangup(context.Background(), "DIALCAST/a1")
	if err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if !resp.Success {
		t.Errorf("Success = false, message = %q", resp.Message)
	}
}

func TestActionTimeout(t *testing.T) {
	s := newPBXServer(t)
	s.mute["Hangup"] = true
	c := newTestClient(t, s)

	_, err := c.Hangup(context.Background(), "DIALCAST/a1")
	if !errors.Is(err, ErrActionTimeout) {
		t.Fatalf("Hangup() error = %v, want ErrActionTimeout", err)
	}
}

func TestEventDispatch(t *testing.T) {
	s := newPBXServer(t)
	c := newTestClient(t, s)

	got := make(chan Event, 1)
	c.Subscribe(EventDTMF, func(ev Event) { got <- ev })

	// A round trip guarantees the server connection is registered.
	if _, err := c.Hangup(context.Background(), "DIALCAST/x"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	s.emit(NewFrame("Event", EventDTMF).Add("AttemptID", "a1").Add("Digit", "1"))

	select {
	case ev := <-got:
		d, ok := ev.(*DTMFEvent)
		if !ok || d.Digit != "1" || d.AttemptID != "a1" {
			t.Errorf("got %#v, want DTMF digit 1 for a1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	s := newPBXServer(t)
	c := newTestClient(t, s)

	got := make(chan Event, 2)
	c.Subscribe(EventDTMF, func(ev Event) { panic("boom") })
	c.Subscribe(EventDTMF, func(ev Event) { got <- ev })

	if _, err := c.Hangup(context.Background(), "DIALCAST/x"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	s.emit(NewFrame("Event", EventDTMF).Add("Digit", "2"))
	s.emit(NewFrame("Event", EventDTMF).Add("Digit", "3"))

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered; read loop died after handler panic?", i)
		}
	}
}

func TestConnectionLostFailsPendingAndReconnects(t *testing.T) {
	s := newPBXServer(t)
	s.mute["Hangup"] = true // stall so the action is pending when the link drops
	c := newTestClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Hangup(context.Background(), "DIALCAST/a1")
		errCh <- err
	}()

	// Give the action a moment to hit the wire, then cut the link.
	time.Sleep(50 * time.Millisecond)
	s.dropConn()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("pending action error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending action did not fail after connection loss")
	}

	// After reconnect + relogin, new actions succeed normally.
	s.mute = map[string]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := c.Hangup(context.Background(), "DIALCAST/a2")
		if err == nil && resp.Success {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("action still failing after reconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	s := newPBXServer(t)
	c := newTestClient(t, s)

	got := make(chan Event, 1)
	c.Subscribe(EventRinging, func(ev Event) { got <- ev })

	if _, err := c.Hangup(context.Background(), "DIALCAST/x"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	s.dropConn()

	// Wait for the client to re-establish, then emit on the new connection.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := c.Hangup(context.Background(), "DIALCAST/x"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client did not reconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.emit(NewFrame("Event", EventRinging).Add("AttemptID", "a9"))
	select {
	case ev := <-got:
		if ev.Ref().AttemptID != "a9" {
			t.Errorf("AttemptID = %q, want a9", ev.Ref().AttemptID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription lost across reconnect")
	}
}

func TestActionWhileDisconnected(t *testing.T) {
	s := newPBXServer(t)
	c := newTestClient(t, s)

	// Take the whole endpoint away so reconnection cannot succeed.
	s.close()
	s.dropConn()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := c.Hangup(context.Background(), "DIALCAST/a1")
		if errors.Is(err, ErrNotConnected) {
			if !IsRetryable(err) {
				t.Errorf("IsRetryable(%v) = false, want true", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("action error = %v, want ErrNotConnected once the drop is noticed", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: ErrConnectionLost, want: true},
		{err: ErrNotConnected, want: true},
		{err: ErrActionTimeout, want: true},
		{err: &ActionError{Action: "Originate", Cause: ErrConnectionLost}, want: true},
		{err: ErrAuthFailed, want: false},
		{err: ErrClientClosed, want: false},
		{err: errors.New("no such extension"), want: false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
