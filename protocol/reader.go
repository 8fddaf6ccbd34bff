package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, as in Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024

	// maxLineSize bounds how far we scan for a CRLF before giving up
	maxLineSize = 64 * 1024
)

var (
	crlfBytes = []byte(CRLF)

	// ErrIncomplete is returned when the buffer ends before the frame does.
	// Callers should read more bytes and decode again from the same offset.
	ErrIncomplete = errors.New("incomplete frame")

	errMalformed = errors.New("malformed frame")
)

// ProtocolError represents input that cannot be recovered from by skipping
// a line, e.g. a length above the protocol limits
type ProtocolError struct {
	Message string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// Decode decodes exactly one frame from the front of buf and reports how
// many bytes it consumed. Unknown type bytes and non-bulk array elements
// decode to Malformed instead of failing; bulk lengths and array counts that
// do not parse are read as zero.
func Decode(buf []byte) (Frame, int, error) {
	c := &cursor{buf: buf}

	f, err := c.readFrame()
	switch {
	case err == nil:
		return f, c.pos, nil
	case errors.Is(err, errMalformed):
		c.skipLine()
		return Malformed{}, c.pos, nil
	default:
		return nil, 0, err
	}
}

// DecodeSnapshot decodes the payload that follows +FULLRESYNC: a bulk
// length line and exactly that many bytes, with no trailing CRLF. Bare
// newlines before the length line are keepalives and are skipped.
func DecodeSnapshot(buf []byte) (RawBytes, int, error) {
	c := &cursor{buf: buf}

	typeByte, err := c.readByte()
	for err == nil && typeByte == '\n' {
		typeByte, err = c.readByte()
	}
	if err != nil {
		return nil, 0, err
	}
	if ValueType(typeByte) != TypeBulkString {
		return nil, 0, &ProtocolError{Message: fmt.Sprintf("expected snapshot bulk, got %q", typeByte)}
	}

	line, err := c.readLine()
	if err != nil {
		return nil, 0, err
	}

	length, err := parseInt64(line)
	if err != nil || length < 0 || length > maxBulkSize {
		return nil, 0, &ProtocolError{Message: fmt.Sprintf("invalid snapshot length: %q", line)}
	}

	data, err := c.readN(int(length))
	if err != nil {
		return nil, 0, err
	}

	return RawBytes(bytes.Clone(data)), c.pos, nil
}

// cursor walks a byte slice one protocol element at a time
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) readFrame() (Frame, error) {
	typeByte, err := c.readByte()
	if err != nil {
		return nil, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString:
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		return SimpleStatus{Text: string(line)}, nil
	case TypeBulkString:
		return c.readBulk()
	case TypeArray:
		return c.readArray()
	default:
		return nil, errMalformed
	}
}

// readBulk reads a bulk string whose '$' has already been consumed
func (c *cursor) readBulk() (Bulk, error) {
	line, err := c.readLine()
	if err != nil {
		return Bulk{}, err
	}

	length, err := parseInt64(line)
	if err == nil && length == -1 {
		return NullBulk(), nil
	}

	if err != nil || length < 0 {
		// Unparseable lengths are read as zero. Swallow the empty payload's
		// terminator when it is already there.
		if bytes.HasPrefix(c.buf[c.pos:], crlfBytes) {
			c.pos += len(crlfBytes)
		}
		return Bulk{}, nil
	}

	if length > maxBulkSize {
		return Bulk{}, &ProtocolError{Message: fmt.Sprintf("invalid bulk string length: %d", length)}
	}

	data, err := c.readN(int(length))
	if err != nil {
		return Bulk{}, err
	}

	if err := c.expectCRLF(); err != nil {
		return Bulk{}, err
	}

	return Bulk{Text: string(data)}, nil
}

// readArray reads an array of bulk strings whose '*' has already been consumed
func (c *cursor) readArray() (Array, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	count, err := parseInt64(line)
	if err != nil || count < 0 {
		count = 0
	}

	if count > maxArraySize {
		return nil, &ProtocolError{Message: fmt.Sprintf("invalid array length: %d", count)}
	}

	array := make(Array, 0, min(count, 1024))
	for i := int64(0); i < count; i++ {
		typeByte, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if ValueType(typeByte) != TypeBulkString {
			return nil, errMalformed
		}

		item, err := c.readBulk()
		if err != nil {
			return nil, err
		}
		array = append(array, strings.ToValidUTF8(item.Text, "\uFFFD"))
	}

	return array, nil
}

func (c *cursor) readByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, ErrIncomplete
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// readLine reads a line terminated by CRLF and returns it without the CRLF
func (c *cursor) readLine() ([]byte, error) {
	rest := c.buf[c.pos:]
	idx := bytes.Index(rest, crlfBytes)
	if idx < 0 {
		if len(rest) > maxLineSize {
			return nil, &ProtocolError{Message: "line too long"}
		}
		return nil, ErrIncomplete
	}

	c.pos += idx + len(crlfBytes)
	return rest[:idx], nil
}

func (c *cursor) readN(n int) ([]byte, error) {
	if len(c.buf)-c.pos < n {
		return nil, ErrIncomplete
	}
	data := c.buf[c.pos : c.pos+n]
	c.pos += n
	return data, nil
}

// expectCRLF reads and validates a CRLF terminator
func (c *cursor) expectCRLF() error {
	crlf, err := c.readN(len(crlfBytes))
	if err != nil {
		return err
	}
	if !bytes.Equal(crlf, crlfBytes) {
		c.pos -= len(crlfBytes)
		return errMalformed
	}
	return nil
}

// skipLine advances past the next CRLF, or to the end of the buffer when
// there is none
func (c *cursor) skipLine() {
	idx := bytes.Index(c.buf[c.pos:], crlfBytes)
	if idx < 0 {
		c.pos = len(c.buf)
		return
	}
	c.pos += idx + len(crlfBytes)
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	default:
		i = 0
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}

		// Check for overflow
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}

		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
