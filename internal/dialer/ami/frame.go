// Package ami implements the PBX manager-protocol client: a line-oriented
// key/value wire protocol carrying synchronous actions (correlated by
// ActionID) and unsolicited events.
//
// Wire format: each frame is a sequence of "Key: value" lines terminated by
// CRLF, and a single empty line (CRLF) ends the frame. This framing must stay
// byte-compatible with the manager interface of the target PBX.
package ami

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Field is one key/value line of a frame. Keys may repeat (e.g. multiple
// Variable lines on an Originate action), so frames preserve order.
type Field struct {
	Key   string
	Value string
}

// Frame is a single protocol frame: an ordered list of key/value fields.
type Frame struct {
	Fields []Field
}

// NewFrame creates a frame with the given leading field.
func NewFrame(key, value string) *Frame {
	return &Frame{Fields: []Field{{Key: key, Value: value}}}
}

// Add appends a field to the frame.
func (f *Frame) Add(key, value string) *Frame {
	f.Fields = append(f.Fields, Field{Key: key, Value: value})
	return f
}

// Get returns the first value for key, or "" if absent. Lookup is
// case-insensitive, matching PBX behavior.
func (f *Frame) Get(key string) string {
	for _, fld := range f.Fields {
		if strings.EqualFold(fld.Key, key) {
			return fld.Value
		}
	}
	return ""
}

// Values returns all values for key, in wire order.
func (f *Frame) Values(key string) []string {
	var out []string
	for _, fld := range f.Fields {
		if strings.EqualFold(fld.Key, key) {
			out = append(out, fld.Value)
		}
	}
	return out
}

// IsResponse reports whether the frame is an action response.
func (f *Frame) IsResponse() bool {
	return f.Get("Response") != ""
}

// IsEvent reports whether the frame is an unsolicited event.
func (f *Frame) IsEvent() bool {
	return f.Get("Event") != ""
}

// ActionID returns the correlation token, or "" if absent.
func (f *Frame) ActionID() string {
	return f.Get("ActionID")
}

// Success reports whether a response frame indicates success.
func (f *Frame) Success() bool {
	return strings.EqualFold(f.Get("Response"), "Success")
}

// WriteTo serializes the frame in wire format.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, fld := range f.Fields {
		b.WriteString(fld.Key)
		b.WriteString(": ")
		b.WriteString(fld.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// ReadFrame reads one frame from r. It returns io.EOF only when the
// connection closes cleanly between frames; a close mid-frame yields
// io.ErrUnexpectedEOF.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	frame := &Frame{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (len(line) > 0 || len(frame.Fields) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(frame.Fields) == 0 {
				// Stray blank line between frames; keep reading.
				continue
			}
			return frame, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// Not key/value shaped (e.g. command output); carry it as a
			// keyless field so nothing on the wire is silently lost.
			frame.Fields = append(frame.Fields, Field{Key: "", Value: line})
			continue
		}
		frame.Fields = append(frame.Fields, Field{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}
}

// ReadBanner reads the greeting line the PBX sends on connect,
// e.g. "Asterisk Call Manager/5.0".
func ReadBanner(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read banner: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
