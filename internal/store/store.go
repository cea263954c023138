// Package store provides the durable key-value store backing PodShield.
//
// Values are JSON documents kept in BadgerDB. Documents above a size
// threshold are zstd-compressed; a one-byte header records which encoding a
// value uses. Domain packages build their repositories on top of the Get, Put,
// Scan and Update primitives here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Value encodings.
const (
	encodingJSON     byte = 0x00
	encodingJSONZstd byte = 0x01
)

const (
	defaultCompressThreshold = 1024
	dirPermissions           = 0o750
	keySeparator             = ":"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Options configures the store.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory (tests, ephemeral nodes).
	InMemory bool
	// CompressThreshold is the encoded size above which values are
	// compressed. Zero uses the default; negative disables compression.
	CompressThreshold int
}

// Store wraps a BadgerDB instance.
type Store struct {
	db        *badger.DB
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options

	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		bopts = badger.DefaultOptions(opts.Dir)
	}

	bopts.Logger = nil // Disable badger logging

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	threshold := opts.CompressThreshold
	if threshold == 0 {
		threshold = defaultCompressThreshold
	}

	log.Info().
		Str("dir", opts.Dir).
		Bool("in_memory", opts.InMemory).
		Msg("Store opened")

	return &Store{db: db, enc: enc, dec: dec, threshold: threshold}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	s.dec.Close()

	if err := s.enc.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close zstd encoder")
	}

	return s.db.Close()
}

// Ping reports whether the store is usable.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return apierrors.Transient("store", errors.New("database closed"))
	}

	return s.db.View(func(_ *badger.Txn) error { return nil })
}

// Key joins parts into a store key.
func Key(parts ...string) string {
	return strings.Join(parts, keySeparator)
}

// TimeKey renders t so that lexical key order equals chronological order.
func TimeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

// Get decodes the value at key into v.
func (s *Store) Get(key string, v any) error {
	return s.View(func(tx *Tx) error { return tx.Get(key, v) })
}

// Put encodes v and writes it at key.
func (s *Store) Put(key string, v any) error {
	return s.Update(func(tx *Tx) error { return tx.Put(key, v) })
}

// PutWithTTL writes v at key; badger expires it after ttl.
func (s *Store) PutWithTTL(key string, v any, ttl time.Duration) error {
	return s.Update(func(tx *Tx) error { return tx.PutWithTTL(key, v, ttl) })
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.Update(func(tx *Tx) error { return tx.Delete(key) })
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) (bool, error) {
	err := s.View(func(tx *Tx) error {
		_, err := tx.txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Decoder decodes the current scan value into v.
type Decoder func(v any) error

// Scan calls fn for every key under prefix in key order. Returning
// ErrStopScan from fn ends the scan without error.
func (s *Store) Scan(prefix string, fn func(key string, decode Decoder) error) error {
	return s.View(func(tx *Tx) error { return tx.Scan(prefix, fn) })
}

// ErrStopScan ends a Scan early.
var ErrStopScan = errors.New("store: stop scan")

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn, s: s})
	})

	return s.classify(err)
}

// Update runs fn in a read-write transaction. All writes made through tx
// commit together or not at all.
func (s *Store) Update(fn func(tx *Tx) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn, s: s})
	})

	return s.classify(err)
}

// classify maps badger failures onto the error taxonomy. Errors produced by
// callers inside a transaction are passed through.
func (s *Store) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed),
		errors.Is(err, badger.ErrConflict),
		errors.Is(err, badger.ErrTxnTooBig),
		errors.Is(err, badger.ErrNoRewrite):
		return apierrors.Transient("store", err)
	default:
		return err
	}
}

func (s *Store) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	if s.threshold < 0 || len(raw) <= s.threshold {
		return append([]byte{encodingJSON}, raw...), nil
	}

	out := make([]byte, 1, len(raw)/2)
	out[0] = encodingJSONZstd

	return s.enc.EncodeAll(raw, out), nil
}

func (s *Store) decode(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("store: empty value")
	}

	raw := data[1:]

	switch data[0] {
	case encodingJSON:
	case encodingJSONZstd:
		var err error

		raw, err = s.dec.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress value: %w", err)
		}
	default:
		return fmt.Errorf("store: unknown value encoding 0x%02x", data[0])
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}

// Tx is a store transaction.
type Tx struct {
	txn *badger.Txn
	s   *Store
}

// Get decodes the value at key into v.
func (tx *Tx) Get(key string, v any) error {
	item, err := tx.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}

	if err != nil {
		return err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}

	return tx.s.decode(val, v)
}

// Put encodes v and writes it at key.
func (tx *Tx) Put(key string, v any) error {
	data, err := tx.s.encode(v)
	if err != nil {
		return err
	}

	return tx.txn.Set([]byte(key), data)
}

// PutWithTTL writes v at key with an expiry.
func (tx *Tx) PutWithTTL(key string, v any, ttl time.Duration) error {
	data, err := tx.s.encode(v)
	if err != nil {
		return err
	}

	return tx.txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(ttl))
}

// PutIfAbsent writes v at key only when key does not exist yet. It reports
// whether the write happened.
func (tx *Tx) PutIfAbsent(key string, v any) (bool, error) {
	_, err := tx.txn.Get([]byte(key))
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}

	return true, tx.Put(key, v)
}

// Delete removes key.
func (tx *Tx) Delete(key string) error {
	return tx.txn.Delete([]byte(key))
}

// Scan iterates over every key under prefix.
func (tx *Tx) Scan(prefix string, fn func(key string, decode Decoder) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()

		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		decode := func(v any) error { return tx.s.decode(val, v) }

		if err := fn(string(item.KeyCopy(nil)), decode); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}

			return err
		}
	}

	return nil
}
