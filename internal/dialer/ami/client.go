package ami

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// OriginateRequest contains parameters for an outbound call.
type OriginateRequest struct {
	// Destination is the normalized number to dial.
	Destination string

	// Trunk names the outbound trunk to dial through.
	Trunk string

	// CallerID is the presented caller identity.
	CallerID string

	// Variables are call-scoped variables set on the channel. The PBX echoes
	// them back on events, which is how the dialer correlates a call's
	// events with its attempt.
	Variables map[string]string

	// Timeout is how long the PBX should let the call ring.
	Timeout time.Duration
}

// Response is the outcome of a synchronous action.
type Response struct {
	Success bool
	Message string
	Fields  map[string]string // Additional response fields (Channel, Uniqueid, ...)
}

// Channel returns the channel identifier from the response, if present.
func (r *Response) Channel() string {
	if r == nil {
		return ""
	}
	return r.Fields["Channel"]
}

// EventHandler consumes one decoded event. Handlers run on the read loop;
// a panicking handler is isolated and logged, it never stops the loop.
type EventHandler func(Event)

// Client is the manager-protocol contract the dialer depends on.
// Implementations: TCPClient (network) and Fake (in-memory, for tests).
type Client interface {
	// Originate asks the PBX to place an outbound call.
	Originate(ctx context.Context, req OriginateRequest) (*Response, error)

	// PlayAudio starts playback of an audio reference on a live channel,
	// with DTMF collection active for the duration.
	PlayAudio(ctx context.Context, channel, audioRef string) (*Response, error)

	// TransferToExtension redirects a live channel to an extension.
	TransferToExtension(ctx context.Context, channel, extension string) (*Response, error)

	// TransferToQueue redirects a live channel into an agent queue.
	TransferToQueue(ctx context.Context, channel, queue string) (*Response, error)

	// Hangup tears down a channel.
	Hangup(ctx context.Context, channel string) (*Response, error)

	// Subscribe registers a handler for events with the given name
	// ("*" matches every event). The returned func unsubscribes.
	// Subscriptions survive reconnects.
	Subscribe(event string, handler EventHandler) (unsubscribe func())

	// Close tears the connection down and fails all pending actions.
	Close() error
}

// buildOriginateFields assembles the wire fields for an Originate action.
// Variables are emitted in sorted order so frames are reproducible.
func buildOriginateFields(req OriginateRequest) []Field {
	fields := []Field{
		{Key: "Channel", Value: fmt.Sprintf("%s/%s", req.Trunk, req.Destination)},
		{Key: "CallerID", Value: req.CallerID},
		{Key: "Async", Value: "true"},
	}
	if req.Timeout > 0 {
		fields = append(fields, Field{Key: "Timeout", Value: strconv.FormatInt(req.Timeout.Milliseconds(), 10)})
	}
	keys := make([]string, 0, len(req.Variables))
	for k := range req.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, Field{Key: "Variable", Value: k + "=" + req.Variables[k]})
	}
	return fields
}
