package watermark

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	payloadVersion = 1

	// version(1) tenant tag(4) session tag(8) minutes(4)
	payloadBodyLen = 17
	macLen         = 4

	dataShards   = 6
	parityShards = 4
	shardLen     = 4
	// Each shard travels with a one-byte checksum.
	shardWireLen = shardLen + 1

	// CodewordBits is the number of coded bits carrying one payload copy.
	CodewordBits = (dataShards + parityShards) * shardWireLen * 8
)

var (
	// ErrUncorrectable is returned when too many shards are damaged.
	ErrUncorrectable = errors.New("watermark: payload is not recoverable")
	// ErrInvalidMAC is returned when a recovered payload fails authentication.
	ErrInvalidMAC = errors.New("watermark: payload authentication failed")
)

// Payload identifies the session a watermarked image was produced for.
// Identifiers are carried as truncated hashes so the payload stays short.
type Payload struct {
	Timestamp  time.Time `json:"timestamp"`
	TenantTag  [4]byte   `json:"-"`
	SessionTag [8]byte   `json:"-"`
	Version    byte      `json:"version"`
}

// NewPayload builds the payload for a session at a minute-granular time.
func NewPayload(tenantID, sessionID string, at time.Time) Payload {
	return Payload{
		Version:    payloadVersion,
		TenantTag:  TenantTag(tenantID),
		SessionTag: SessionTag(sessionID),
		Timestamp:  at.UTC().Truncate(time.Minute),
	}
}

// TenantTag returns the payload tag of a tenant.
func TenantTag(tenantID string) [4]byte {
	sum := blake3.Sum256([]byte("tenant:" + tenantID))

	var tag [4]byte
	copy(tag[:], sum[:])

	return tag
}

// SessionTag returns the payload tag of a session.
func SessionTag(sessionID string) [8]byte {
	sum := blake3.Sum256([]byte("session:" + sessionID))

	var tag [8]byte
	copy(tag[:], sum[:])

	return tag
}

// SessionRef is the hex form of the session tag used for lookups.
func (p Payload) SessionRef() string {
	return hex.EncodeToString(p.SessionTag[:])
}

// TenantRef is the hex form of the tenant tag.
func (p Payload) TenantRef() string {
	return hex.EncodeToString(p.TenantTag[:])
}

// Codec turns payloads into error-corrected, authenticated codewords.
type Codec struct {
	enc    reedsolomon.Encoder
	macKey []byte
}

// NewCodec derives the payload MAC key from the master secret.
func NewCodec(masterSecret []byte) (*Codec, error) {
	if len(masterSecret) < 16 {
		return nil, errors.New("watermark master secret must be at least 16 bytes")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte("podshield/watermark/mac/v1")), key); err != nil {
		return nil, fmt.Errorf("failed to derive watermark key: %w", err)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create erasure coder: %w", err)
	}

	return &Codec{enc: enc, macKey: key}, nil
}

func (c *Codec) body(p Payload) []byte {
	b := make([]byte, payloadBodyLen)
	b[0] = p.Version
	copy(b[1:5], p.TenantTag[:])
	copy(b[5:13], p.SessionTag[:])
	binary.BigEndian.PutUint32(b[13:17], uint32(p.Timestamp.Unix()/60))

	return b
}

func (c *Codec) mac(body []byte) []byte {
	h := hmac.New(sha256.New, c.macKey)
	h.Write(body)

	return h.Sum(nil)[:macLen]
}

// Encode returns the CodewordBits bits (one per byte) for p.
func (c *Codec) Encode(p Payload) ([]byte, error) {
	body := c.body(p)

	data := make([]byte, dataShards*shardLen)
	copy(data, body)
	copy(data[payloadBodyLen:], c.mac(body))

	shards := make([][]byte, dataShards+parityShards)
	for i := range shards {
		shards[i] = make([]byte, shardLen)
		if i < dataShards {
			copy(shards[i], data[i*shardLen:])
		}
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	wire := make([]byte, 0, len(shards)*shardWireLen)
	for i, s := range shards {
		wire = append(wire, s...)
		wire = append(wire, shardChecksum(i, s))
	}

	return unpackBits(wire), nil
}

// Decode recovers a payload from CodewordBits hard bits. Shards whose
// checksum fails are treated as erasures.
func (c *Codec) Decode(bits []byte) (Payload, error) {
	if len(bits) != CodewordBits {
		return Payload{}, fmt.Errorf("codeword has %d bits, want %d", len(bits), CodewordBits)
	}

	wire := packBits(bits)
	shards := make([][]byte, dataShards+parityShards)
	missing := 0

	for i := range shards {
		w := wire[i*shardWireLen : (i+1)*shardWireLen]
		if shardChecksum(i, w[:shardLen]) != w[shardLen] {
			missing++
			continue
		}

		shards[i] = bytes.Clone(w[:shardLen])
	}

	if missing > parityShards {
		return Payload{}, ErrUncorrectable
	}

	if missing > 0 {
		if err := c.enc.ReconstructData(shards); err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrUncorrectable, err)
		}
	}

	data := make([]byte, 0, dataShards*shardLen)
	for _, s := range shards[:dataShards] {
		data = append(data, s...)
	}

	body := data[:payloadBodyLen]
	if !hmac.Equal(c.mac(body), data[payloadBodyLen:payloadBodyLen+macLen]) {
		return Payload{}, ErrInvalidMAC
	}

	if body[0] != payloadVersion {
		return Payload{}, fmt.Errorf("unsupported payload version %d", body[0])
	}

	var p Payload
	p.Version = body[0]
	copy(p.TenantTag[:], body[1:5])
	copy(p.SessionTag[:], body[5:13])
	p.Timestamp = time.Unix(int64(binary.BigEndian.Uint32(body[13:17]))*60, 0).UTC()

	return p, nil
}

func shardChecksum(index int, shard []byte) byte {
	h := crc32.NewIEEE()
	h.Write([]byte{byte(index)})
	h.Write(shard)

	return byte(h.Sum32())
}

func unpackBits(data []byte) []byte {
	bits := make([]byte, 0, len(data)*8)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>i)&1)
		}
	}

	return bits
}

func packBits(bits []byte) []byte {
	out := make([]byte, len(bits)/8)
	for i, bit := range bits {
		out[i/8] |= (bit & 1) << (7 - i%8)
	}

	return out
}
