package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RDB opcodes.
const (
	rdbOpAux          = 0xFA
	rdbOpSelectDB     = 0xFE
	rdbOpResizeDB     = 0xFB
	rdbOpExpiryMS     = 0xFC
	rdbOpExpirySecs   = 0xFD
	rdbOpEOF          = 0xFF
	rdbValueTypeString = 0x00
)

var errUnsupportedEncoding = errors.New("rdb: unsupported special string encoding")

// DiskRDBLoader implements RDBLoader by parsing the on-disk snapshot
// format described in the external interfaces section: header, a
// sequence of opcodes, EOF. Anything unrecognized after a valid header
// stops the parse but keeps whatever was already loaded, so the server
// always starts.
type DiskRDBLoader struct {
	logger Logger
}

func NewDiskRDBLoader(logger Logger) *DiskRDBLoader {
	return &DiskRDBLoader{logger: logger}
}

// Load reads dir/dbfilename (path is expected pre-joined by the caller)
// into store. A missing file is not an error: the server simply starts
// with an empty keyspace, the common first-run case.
func (l *DiskRDBLoader) Load(path string, store StringStore) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("no RDB file at %s, starting with empty keyspace", path)
			return nil
		}
		return NewRDBError(fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return NewRDBError("truncated RDB header", err)
	}
	if string(header[:5]) != "REDIS" {
		return NewRDBError("bad RDB magic", nil)
	}

	loaded := 0
	for {
		opcode, err := r.ReadByte()
		if err != nil {
			break // EOF without a 0xFF marker: stop gracefully.
		}
		switch opcode {
		case rdbOpEOF:
			l.logger.Info("loaded %d keys from %s", loaded, path)
			return nil

		case rdbOpAux:
			if _, err := readRDBString(r); err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}
			if _, err := readRDBString(r); err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}

		case rdbOpSelectDB:
			if _, _, err := readRDBLength(r); err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}

		case rdbOpResizeDB:
			if _, _, err := readRDBLength(r); err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}
			if _, _, err := readRDBLength(r); err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}

		case rdbOpExpiryMS, rdbOpExpirySecs:
			deadline, err := readRDBExpiry(r, opcode)
			if err != nil {
				l.logger.Info("stopping RDB load: %v", err)
				return nil
			}
			valueType, err := r.ReadByte()
			if err != nil || valueType != rdbValueTypeString {
				return nil
			}
			key, err := readRDBString(r)
			if err != nil {
				return nil
			}
			val, err := readRDBString(r)
			if err != nil {
				return nil
			}
			store.SetDeadline(string(key), val, deadline)
			loaded++

		case rdbValueTypeString:
			key, err := readRDBString(r)
			if err != nil {
				return nil
			}
			val, err := readRDBString(r)
			if err != nil {
				return nil
			}
			store.Set(string(key), val)
			loaded++

		default:
			l.logger.Info("stopping RDB load: unknown opcode 0x%02x", opcode)
			return nil
		}
	}

	l.logger.Info("loaded %d keys from %s (no EOF marker)", loaded, path)
	return nil
}

func readRDBExpiry(r *bufio.Reader, opcode byte) (time.Time, error) {
	if opcode == rdbOpExpiryMS {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return time.Time{}, err
		}
		ms := binary.LittleEndian.Uint64(buf[:])
		return time.UnixMilli(int64(ms)), nil
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return time.Time{}, err
	}
	secs := binary.LittleEndian.Uint32(buf[:])
	return time.Unix(int64(secs), 0), nil
}

// readRDBLength decodes the two-bit length-form prefix. For the special
// (11) form it returns special=true and the low six bits as the
// sub-encoding selector, leaving interpretation to the caller.
func readRDBLength(r *bufio.Reader) (n uint64, special bool, err error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch b0 >> 6 {
	case 0b00:
		return uint64(b0 & 0x3F), false, nil
	case 0b01:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b0&0x3F)<<8 | uint64(b1), false, nil
	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), false, nil
	default: // 0b11: special string encoding, low 6 bits select the form.
		return uint64(b0 & 0x3F), true, nil
	}
}

func readRDBString(r *bufio.Reader) ([]byte, error) {
	n, special, err := readRDBLength(r)
	if err != nil {
		return nil, err
	}
	if !special {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	switch n {
	case 0: // 8-bit integer
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(int64(int8(b)), 10)), nil
	case 1: // 16-bit little-endian integer
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		v := int16(binary.LittleEndian.Uint16(buf[:]))
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case 2: // 32-bit little-endian integer
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		v := int32(binary.LittleEndian.Uint32(buf[:]))
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	default:
		// Unknown special encodings (e.g. LZF-compressed strings): we
		// don't know their length without decoding, so we can't skip
		// past them safely. Surface it as a load-stopping error rather
		// than misreading the rest of the stream as opcodes.
		return nil, errUnsupportedEncoding
	}
}

func rdbPath(cfg *ServerConfig) string {
	if cfg.Dir == "" || cfg.DBFilename == "" {
		return ""
	}
	return filepath.Join(cfg.Dir, cfg.DBFilename)
}
