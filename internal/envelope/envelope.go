// Package envelope encodes the header failsafe prepends to every message body.
//
// Layout, all integers big endian:
//
//	format_version uint16
//	flags          uint16
//	expires_at     uint32  unix seconds
//	uuid           36 bytes, only if FlagUUID is set
//	payload        remaining bytes
package envelope

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// FormatVersion is the only header version this package writes and reads.
const FormatVersion uint16 = 1

// Header flags.
const (
	FlagRedundant uint16 = 1 << iota
	FlagUUID
)

const (
	fixedLen = 8
	uuidLen  = 36
)

var (
	ErrShortHeader        = errors.New("envelope header too short")
	ErrUnsupportedVersion = errors.New("unsupported envelope format version")
	ErrInvalidUUID        = errors.New("invalid envelope uuid")
)

// Header is the decoded envelope header.
type Header struct {
	Version   uint16
	Flags     uint16
	ExpiresAt uint32
	UUID      string
}

// Redundant reports whether the message was published to two brokers.
func (h Header) Redundant() bool { return h.Flags&FlagRedundant != 0 }

// Expired reports whether the message expired before now.
func (h Header) Expired(now time.Time) bool {
	return int64(h.ExpiresAt) < now.Unix()
}

// Options controls Encode.
type Options struct {
	TTL       time.Duration
	WithUUID  bool
	UUID      string // used instead of a fresh uuid when set
	Redundant bool
}

// Encode prepends a header to payload. Expiry is now plus the TTL.
func Encode(payload []byte, now time.Time, opts Options) ([]byte, Header, error) {
	h := Header{Version: FormatVersion, ExpiresAt: uint32(now.Add(opts.TTL).Unix())}
	if opts.Redundant {
		h.Flags |= FlagRedundant
		opts.WithUUID = true
	}
	if opts.WithUUID || opts.UUID != "" {
		h.Flags |= FlagUUID
		h.UUID = opts.UUID
		if h.UUID == "" {
			h.UUID = uuid.NewString()
		}
		if _, err := uuid.Parse(h.UUID); err != nil || len(h.UUID) != uuidLen {
			return nil, Header{}, errors.Wrapf(ErrInvalidUUID, "encoding uuid %q", h.UUID)
		}
	}

	size := fixedLen + len(payload)
	if h.Flags&FlagUUID != 0 {
		size += uuidLen
	}
	buf := make([]byte, fixedLen, size)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Flags)
	binary.BigEndian.PutUint32(buf[4:8], h.ExpiresAt)
	if h.Flags&FlagUUID != 0 {
		buf = append(buf, h.UUID...)
	}
	buf = append(buf, payload...)
	return buf, h, nil
}

// Decode splits data into header and payload.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < fixedLen {
		return Header{}, nil, errors.Wrapf(ErrShortHeader, "got %d bytes", len(data))
	}
	h := Header{
		Version:   binary.BigEndian.Uint16(data[0:2]),
		Flags:     binary.BigEndian.Uint16(data[2:4]),
		ExpiresAt: binary.BigEndian.Uint32(data[4:8]),
	}
	if h.Version != FormatVersion {
		return Header{}, nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", h.Version)
	}
	rest := data[fixedLen:]
	if h.Flags&FlagUUID != 0 {
		if len(rest) < uuidLen {
			return Header{}, nil, errors.Wrapf(ErrShortHeader, "missing uuid, got %d bytes", len(rest))
		}
		h.UUID = string(rest[:uuidLen])
		if _, err := uuid.Parse(h.UUID); err != nil {
			return Header{}, nil, errors.Wrapf(ErrInvalidUUID, "%q", h.UUID)
		}
		rest = rest[uuidLen:]
	}
	out := make([]byte, len(rest))
	copy(out, rest)
	return h, out, nil
}
