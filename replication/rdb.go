package replication

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// RDB opcodes
const (
	rdbOpcodeFunction2  = 0xF5
	rdbOpcodeModuleAux  = 0xF7
	rdbOpcodeIdle       = 0xF8
	rdbOpcodeFreq       = 0xF9
	rdbOpcodeAux        = 0xFA
	rdbOpcodeResizeDB   = 0xFB
	rdbOpcodeExpiryMs   = 0xFC
	rdbOpcodeExpiry     = 0xFD
	rdbOpcodeSelectDB   = 0xFE
	rdbOpcodeEOF        = 0xFF
	maxRDBVersion       = 12
	maxRDBStringLength  = 512 * 1024 * 1024
	rdbEncodingInt8     = 0
	rdbEncodingInt16    = 1
	rdbEncodingInt32    = 2
	rdbEncodingLZF      = 3
	rdbLengthSpecialBit = 3
)

// RDB value types
const (
	rdbTypeString         = 0
	rdbTypeList           = 1
	rdbTypeSet            = 2
	rdbTypeZSet           = 3
	rdbTypeHash           = 4
	rdbTypeZSet2          = 5
	rdbTypeHashZipmap     = 9
	rdbTypeListZiplist    = 10
	rdbTypeSetIntset      = 11
	rdbTypeZSetZiplist    = 12
	rdbTypeHashZiplist    = 13
	rdbTypeListQuicklist  = 14
	rdbTypeHashListpack   = 16
	rdbTypeZSetListpack   = 17
	rdbTypeListQuicklist2 = 18
	rdbTypeSetListpack    = 20
)

// ErrUnsupportedRDB is returned for snapshot content the parser cannot skip
var ErrUnsupportedRDB = errors.New("unsupported rdb content")

// RDBHandler receives the entries of a snapshot as it is parsed
type RDBHandler interface {
	// OnDatabase is called when the snapshot switches database
	OnDatabase(index int) error

	// OnKey is called for every string key
	OnKey(key, value []byte, expiry *time.Time) error

	// OnAux is called for auxiliary metadata fields
	OnAux(key, value []byte) error

	// OnEnd is called once the EOF opcode is reached
	OnEnd() error
}

// RDBParser reads an RDB snapshot. String keys are handed to the handler;
// other value types are skipped.
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	logger  Logger
	skipped int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger for the RDB parser
func (p *RDBParser) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Skipped returns how many non-string keys were skipped
func (p *RDBParser) Skipped() int {
	return p.skipped
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}

// Parse reads the snapshot through its EOF opcode. The trailing checksum is
// not verified.
func (p *RDBParser) Parse() error {
	if err := p.readHeader(); err != nil {
		return err
	}

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("read opcode: %w", err)
		}

		switch opcode {
		case rdbOpcodeEOF:
			return p.handler.OnEnd()

		case rdbOpcodeSelectDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case rdbOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}

		case rdbOpcodeExpiry:
			var secs uint32
			if err := binary.Read(p.br, binary.LittleEndian, &secs); err != nil {
				return fmt.Errorf("read expiry: %w", err)
			}
			t := time.Unix(int64(secs), 0)
			expiry = &t

		case rdbOpcodeExpiryMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("read expiry: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			expiry = &t

		case rdbOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("read aux value for %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case rdbOpcodeIdle:
			if _, err := p.readLength(); err != nil {
				return err
			}

		case rdbOpcodeFreq:
			if _, err := p.br.ReadByte(); err != nil {
				return err
			}

		case rdbOpcodeModuleAux, rdbOpcodeFunction2:
			return fmt.Errorf("%w: opcode 0x%x", ErrUnsupportedRDB, opcode)

		default:
			if err := p.readEntry(opcode, expiry); err != nil {
				return err
			}
			expiry = nil
		}
	}
}

func (p *RDBParser) readHeader() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("read rdb header: %w", err)
	}

	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid rdb magic: %q", header[:5])
	}

	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid rdb version: %q", header[5:])
	}
	if version > maxRDBVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedRDB, version)
	}

	p.logger.Debug("Parsing RDB snapshot", "version", version)
	return nil
}

// readEntry reads one key and its value. Only plain strings reach the
// handler.
func (p *RDBParser) readEntry(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	if valueType == rdbTypeString {
		value, err := p.readString()
		if err != nil {
			return fmt.Errorf("read value for %s: %w", key, err)
		}
		return p.handler.OnKey(key, value, expiry)
	}

	if err := p.skipValue(valueType); err != nil {
		return fmt.Errorf("skip value for %s: %w", key, err)
	}
	p.skipped++
	p.logger.Debug("Skipped non-string key", "key", string(key), "type", valueType)
	return nil
}

// skipValue consumes a value of a type the store cannot hold
func (p *RDBParser) skipValue(valueType byte) error {
	switch valueType {
	case rdbTypeHashZipmap, rdbTypeListZiplist, rdbTypeSetIntset, rdbTypeZSetZiplist,
		rdbTypeHashZiplist, rdbTypeHashListpack, rdbTypeZSetListpack, rdbTypeSetListpack:
		// Encoded as a single blob
		_, err := p.readString()
		return err

	case rdbTypeList, rdbTypeSet, rdbTypeListQuicklist:
		return p.skipStrings(1)

	case rdbTypeHash:
		return p.skipStrings(2)

	case rdbTypeListQuicklist2:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := p.readLength(); err != nil { // container kind
				return err
			}
			if _, err := p.readString(); err != nil {
				return err
			}
		}
		return nil

	case rdbTypeZSet2:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := p.readString(); err != nil {
				return err
			}
			if _, err := p.br.Discard(8); err != nil {
				return err
			}
		}
		return nil

	case rdbTypeZSet:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := p.readString(); err != nil {
				return err
			}
			if err := p.skipLegacyDouble(); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: value type %d", ErrUnsupportedRDB, valueType)
	}
}

// skipStrings skips a length-prefixed run of n-string groups
func (p *RDBParser) skipStrings(perEntry int) error {
	n, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n*uint64(perEntry); i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
	}
	return nil
}

// skipLegacyDouble skips a string-encoded double; 253-255 encode nan/+inf/-inf
func (p *RDBParser) skipLegacyDouble() error {
	n, err := p.br.ReadByte()
	if err != nil {
		return err
	}
	if n >= 253 {
		return nil
	}
	_, err = p.br.Discard(int(n))
	return err
}

// readLength reads a length-encoded integer. Special encodings are reported
// as an error here; readString handles them.
func (p *RDBParser) readLength() (uint64, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("unexpected special encoding %d", n)
	}
	return n, nil
}

// readLengthOrEncoding decodes the two-bit length prefix. When special is
// true the value is the string encoding type rather than a length.
func (p *RDBParser) readLengthOrEncoding() (uint64, bool, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch b >> 6 {
	case 0:
		return uint64(b & 0x3F), false, nil
	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil
	case 2:
		switch b {
		case 0x80:
			var n uint32
			err := binary.Read(p.br, binary.BigEndian, &n)
			return uint64(n), false, err
		case 0x81:
			var n uint64
			err := binary.Read(p.br, binary.BigEndian, &n)
			return n, false, err
		default:
			return 0, false, fmt.Errorf("invalid length prefix 0x%x", b)
		}
	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readString reads a string, expanding integer and LZF encodings
func (p *RDBParser) readString() ([]byte, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}

	if !special {
		if n > maxRDBStringLength {
			return nil, fmt.Errorf("string length too large: %d", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(p.br, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	switch n {
	case rdbEncodingInt8:
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case rdbEncodingInt16:
		var v int16
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncodingInt32:
		var v int32
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncodingLZF:
		return p.readLZFString()
	default:
		return nil, fmt.Errorf("invalid string encoding %d", n)
	}
}

func (p *RDBParser) readLZFString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, err
	}
	size, err := p.readLength()
	if err != nil {
		return nil, err
	}
	if compressedLen > maxRDBStringLength || size > maxRDBStringLength || size > math.MaxInt32 {
		return nil, fmt.Errorf("lzf string too large: %d", size)
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(p.br, compressed); err != nil {
		return nil, err
	}
	return lzfDecompress(compressed, int(size))
}
