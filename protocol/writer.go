package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Append appends the wire encoding of f to dst. Malformed encodes to nothing.
func Append(dst []byte, f Frame) []byte {
	switch v := f.(type) {
	case SimpleStatus:
		dst = append(dst, byte(TypeSimpleString))
		dst = append(dst, v.Text...)
		return append(dst, CRLF...)
	case Bulk:
		if v.Null {
			return append(dst, "$-1\r\n"...)
		}
		return appendBulk(dst, v.Text)
	case Array:
		dst = append(dst, byte(TypeArray))
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, CRLF...)
		for _, item := range v {
			dst = appendBulk(dst, item)
		}
		return dst
	case RawBytes:
		dst = append(dst, byte(TypeBulkString))
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, CRLF...)
		return append(dst, v...)
	default:
		return dst
	}
}

// Encode returns the wire encoding of f
func Encode(f Frame) []byte {
	return Append(nil, f)
}

func appendBulk(dst []byte, s string) []byte {
	dst = append(dst, byte(TypeBulkString))
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, s...)
	return append(dst, CRLF...)
}

// Writer provides buffered writing of frames
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw: bufio.NewWriter(w),
	}
}

// WriteFrame writes one frame to the output buffer
func (w *Writer) WriteFrame(f Frame) error {
	switch v := f.(type) {
	case SimpleStatus:
		return w.WriteSimpleString(v.Text)
	case Bulk:
		if v.Null {
			return w.WriteNullBulkString()
		}
		return w.WriteBulkString(v.Text)
	case Array:
		return w.WriteArray(v)
	case RawBytes:
		return w.WriteRaw(v)
	case Malformed:
		return nil
	default:
		return fmt.Errorf("unsupported frame type %T", f)
	}
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	if _, err := w.bw.WriteString("+"); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteBulkString writes a bulk string
func (w *Writer) WriteBulkString(s string) error {
	if err := w.writeHeader(TypeBulkString, len(s)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteNullBulkString writes a null bulk string
func (w *Writer) WriteNullBulkString() error {
	if _, err := w.bw.WriteString("$-1"); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteArray writes an array of bulk strings
func (w *Writer) WriteArray(items []string) error {
	if err := w.writeHeader(TypeArray, len(items)); err != nil {
		return err
	}

	for _, item := range items {
		if err := w.WriteBulkString(item); err != nil {
			return err
		}
	}

	return nil
}

// WriteRaw writes a length-prefixed payload with no trailing CRLF
func (w *Writer) WriteRaw(data []byte) error {
	if err := w.writeHeader(TypeBulkString, len(data)); err != nil {
		return err
	}
	_, err := w.bw.Write(data)
	return err
}

// WriteCommand writes a Redis command as an array
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	return w.WriteArray(append([]string{cmd}, args...))
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeHeader(t ValueType, n int) error {
	if err := w.bw.WriteByte(byte(t)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.Itoa(n)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// writeCRLF writes the CRLF terminator
func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}
