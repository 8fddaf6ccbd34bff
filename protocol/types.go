package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType is the one-byte prefix that opens a frame on the wire
type ValueType byte

const (
	TypeSimpleString ValueType = '+'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Frame is one decoded protocol unit. The set of implementations is closed:
// SimpleStatus, Bulk, Array, RawBytes and Malformed.
type Frame interface {
	fmt.Stringer
	frame()
}

// SimpleStatus is a single status line, e.g. +OK
type SimpleStatus struct {
	Text string
}

// Bulk is a length-prefixed payload. A Null bulk encodes as $-1.
type Bulk struct {
	Text string
	Null bool
}

// Array is a sequence of bulk strings. Requests are always arrays.
type Array []string

// RawBytes is a length-prefixed binary payload written without a trailing
// CRLF. It is only used for the snapshot sent after FULLRESYNC.
type RawBytes []byte

// Malformed marks input that could not be decoded into any other frame.
type Malformed struct{}

func (SimpleStatus) frame() {}
func (Bulk) frame()         {}
func (Array) frame()        {}
func (RawBytes) frame()     {}
func (Malformed) frame()    {}

// Status returns a SimpleStatus frame
func Status(text string) SimpleStatus {
	return SimpleStatus{Text: text}
}

// BulkString returns a non-null Bulk frame
func BulkString(text string) Bulk {
	return Bulk{Text: text}
}

// NullBulk returns the null Bulk frame
func NullBulk() Bulk {
	return Bulk{Null: true}
}

// String returns a printable representation of the status
func (s SimpleStatus) String() string {
	return s.Text
}

// String returns the payload, or (nil) for a null bulk
func (b Bulk) String() string {
	if b.Null {
		return "(nil)"
	}
	return b.Text
}

// String returns the elements in bracket notation
func (a Array) String() string {
	parts := make([]string, len(a))
	for i, item := range a {
		parts[i] = strconv.Quote(item)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// String describes the raw payload without dumping it
func (r RawBytes) String() string {
	return fmt.Sprintf("raw(%d bytes)", len(r))
}

func (Malformed) String() string {
	return "malformed"
}

// Args returns the argument vector carried by a frame. Arrays yield their
// elements, status and bulk frames a single element, anything else nothing.
func Args(f Frame) []string {
	switch v := f.(type) {
	case Array:
		return []string(v)
	case SimpleStatus:
		return []string{v.Text}
	case Bulk:
		if v.Null {
			return nil
		}
		return []string{v.Text}
	default:
		return nil
	}
}
