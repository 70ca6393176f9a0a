// Package storage is the persistence boundary for the payment objects.
// Every durable attribute lives under a string key as a small byte slice,
// written through on change so a restart restores the object state.
package storage

import (
	"encoding/binary"
	"errors"

	"github.com/gridpay/meterd/internal/axdr"
)

// ErrNotFound reports a key that has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key/value map. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// PutInt32 writes a signed 32-bit value big endian.
func PutInt32(s Store, key string, v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return s.Put(key, b[:])
}

// GetInt32 reads a signed 32-bit value, returning def when the key is
// absent.
func GetInt32(s Store, key string, def int32) (int32, error) {
	b, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if len(b) != 4 {
		return def, errors.New("storage: value is not 4 bytes")
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// PutUint32 writes an unsigned 32-bit value big endian.
func PutUint32(s Store, key string, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return s.Put(key, b[:])
}

// GetUint32 reads an unsigned 32-bit value, returning def when the key
// is absent.
func GetUint32(s Store, key string, def uint32) (uint32, error) {
	b, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if len(b) != 4 {
		return def, errors.New("storage: value is not 4 bytes")
	}
	return binary.BigEndian.Uint32(b), nil
}

// PutByte writes a single byte value.
func PutByte(s Store, key string, v byte) error {
	return s.Put(key, []byte{v})
}

// GetByte reads a single byte value, returning def when the key is
// absent.
func GetByte(s Store, key string, def byte) (byte, error) {
	b, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if len(b) != 1 {
		return def, errors.New("storage: value is not 1 byte")
	}
	return b[0], nil
}

// PutDateTime writes a 12-byte date-time value.
func PutDateTime(s Store, key string, dt axdr.DateTime) error {
	return s.Put(key, dt[:])
}

// GetDateTime reads a 12-byte date-time, returning the "not specified"
// sentinel when the key is absent.
func GetDateTime(s Store, key string) (axdr.DateTime, error) {
	dt := axdr.NotSpecifiedDateTime()
	b, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return dt, nil
	}
	if err != nil {
		return dt, err
	}
	if len(b) != axdr.DateTimeLen {
		return dt, errors.New("storage: value is not a date-time")
	}
	copy(dt[:], b)
	return dt, nil
}

// GetBytes reads a raw value, returning def when the key is absent.
func GetBytes(s Store, key string, def []byte) ([]byte, error) {
	b, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return b, nil
}
