package ami

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// VarAttemptID is the call-scoped variable carrying the attempt identifier.
// The PBX echoes it on every event for the call.
const VarAttemptID = "DIALCAST_ATTEMPT"

// PlayCall records one PlayAudio action observed by the fake.
type PlayCall struct {
	Channel  string
	AudioRef string
}

// TransferCall records one transfer action observed by the fake.
type TransferCall struct {
	Channel string
	Target  string
	Queue   bool
}

// Fake is the in-memory Client used by tests and the simulated backend.
// Action outcomes default to success and can be scripted per action via the
// *Fn hooks; every action is also mirrored onto a buffered channel so tests
// can sequence event injection against the dialer's protocol activity.
type Fake struct {
	mu      sync.Mutex
	closed  bool
	subsMu  sync.RWMutex
	subs    map[string]map[int]EventHandler
	nextSub int
	logger  *slog.Logger

	OriginateFn func(OriginateRequest) (*Response, error)
	PlayAudioFn func(channel, audioRef string) (*Response, error)
	TransferFn  func(call TransferCall) (*Response, error)
	HangupFn    func(channel string) (*Response, error)

	OriginateCalls chan OriginateRequest
	PlayCalls      chan PlayCall
	TransferCalls  chan TransferCall
	HangupCalls    chan string
}

// NewFake creates a fake client whose actions all succeed.
func NewFake() *Fake {
	return &Fake{
		subs:           make(map[string]map[int]EventHandler),
		logger:         slog.Default(),
		OriginateCalls: make(chan OriginateRequest, 64),
		PlayCalls:      make(chan PlayCall, 64),
		TransferCalls:  make(chan TransferCall, 64),
		HangupCalls:    make(chan string, 64),
	}
}

// ChannelFor returns the channel name the fake assigns to an attempt.
func ChannelFor(attemptID string) string {
	return "DIALCAST/" + attemptID
}

// Emit delivers an event to all matching subscribers, in subscription-safe
// per-call order (synchronous dispatch, like the network read loop).
func (f *Fake) Emit(ev Event) {
	f.subsMu.RLock()
	handlers := make([]EventHandler, 0, 4)
	for _, h := range f.subs[ev.Name()] {
		handlers = append(handlers, h)
	}
	for _, h := range f.subs["*"] {
		handlers = append(handlers, h)
	}
	f.subsMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("[AMI] Event handler panic",
						"event", ev.Name(),
						"panic", fmt.Sprint(r),
					)
				}
			}()
			h(ev)
		}()
	}
}

// Subscribe implements Client.
func (f *Fake) Subscribe(event string, handler EventHandler) func() {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id := f.nextSub
	f.nextSub++
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]EventHandler)
	}
	f.subs[event][id] = handler
	return func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		delete(f.subs[event], id)
	}
}

func (f *Fake) checkClosed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClientClosed
	}
	return nil
}

// Originate implements Client.
func (f *Fake) Originate(ctx context.Context, req OriginateRequest) (*Response, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	select {
	case f.OriginateCalls <- req:
	default:
	}
	if f.OriginateFn != nil {
		return f.OriginateFn(req)
	}
	return &Response{
		Success: true,
		Message: "Originate successfully queued",
		Fields:  map[string]string{"Channel": ChannelFor(req.Variables[VarAttemptID])},
	}, nil
}

// PlayAudio implements Client.
func (f *Fake) PlayAudio(ctx context.Context, channel, audioRef string) (*Response, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	call := PlayCall{Channel: channel, AudioRef: audioRef}
	select {
	case f.PlayCalls <- call:
	default:
	}
	if f.PlayAudioFn != nil {
		return f.PlayAudioFn(channel, audioRef)
	}
	return &Response{Success: true, Message: "Playback started"}, nil
}

func (f *Fake) transfer(call TransferCall) (*Response, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	select {
	case f.TransferCalls <- call:
	default:
	}
	if f.TransferFn != nil {
		return f.TransferFn(call)
	}
	return &Response{Success: true, Message: "Redirect successful"}, nil
}

// TransferToExtension implements Client.
func (f *Fake) TransferToExtension(ctx context.Context, channel, extension string) (*Response, error) {
	return f.transfer(TransferCall{Channel: channel, Target: extension})
}

// TransferToQueue implements Client.
func (f *Fake) TransferToQueue(ctx context.Context, channel, queue string) (*Response, error) {
	return f.transfer(TransferCall{Channel: channel, Target: queue, Queue: true})
}

// Hangup implements Client.
func (f *Fake) Hangup(ctx context.Context, channel string) (*Response, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	select {
	case f.HangupCalls <- channel:
	default:
	}
	if f.HangupFn != nil {
		return f.HangupFn(channel)
	}
	return &Response{Success: true, Message: "Channel hung up"}, nil
}

// Close implements Client.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Client = (*Fake)(nil)
var _ Client = (*TCPClient)(nil)
