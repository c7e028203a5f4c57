// Package protocol implements the wire framing used between battleshipd and
// its clients: a self-delimiting binary packet carrying either a GAME or a
// CHAT payload, checksummed and optionally encrypted.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Type identifies the payload class carried by a Frame.
type Type uint8

const (
	// TypeGame carries textual lobby/placement/turn control tokens.
	TypeGame Type = 1
	// TypeChat carries a free-form chat line.
	TypeChat Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeGame:
		return "GAME"
	case TypeChat:
		return "CHAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	headerSize   = 4 + 1 + 2 // seq(4) + type(1) + length(2)
	checksumSize = 4
	nonceSize    = chacha20.NonceSize // 12 bytes

	// MaxPayloadSize is the largest payload length the 2-byte length field can express.
	MaxPayloadSize = 1<<16 - 1
)

// Sentinel errors returned by Parse. Framing failures are never recoverable:
// the caller must treat them identically to a transport failure (peer-gone).
var (
	ErrShortFrame       = errors.New("protocol: short frame")
	ErrLengthMismatch   = errors.New("protocol: length mismatch")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("protocol: payload exceeds maximum size")
)

// Cipher optionally encrypts/decrypts frame payloads with a shared key.
// A nil *Cipher (or one built from an empty key) means plaintext mode.
type Cipher struct {
	key []byte // 32 bytes, chacha20 key
}

// NewCipher builds a Cipher from a shared secret. An empty key disables
// encryption; Build/Parse then operate on plaintext payloads.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return &Cipher{}, nil
	}
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("protocol: key must be %d bytes, got %d", chacha20.KeySize, len(key))
	}
	k := make([]byte, chacha20.KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// Enabled reports whether this cipher actually encrypts.
func (c *Cipher) Enabled() bool {
	return c != nil && len(c.key) > 0
}

// Build serializes one frame: header, payload (nonce-prefixed and
// encrypted when a Cipher is configured), and trailing checksum.
//
// Packet layout: seq(4) | type(1) | length(2) | payload(length) | checksum(4),
// all integers big-endian. The checksum covers header+payload and is
// computed AFTER encryption, so it authenticates what actually went on the
// wire.
func Build(c *Cipher, seq uint32, typ Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	body := payload
	if c.Enabled() {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("protocol: generating nonce: %w", err)
		}
		ciphertext := make([]byte, len(payload))
		if err := c.crypt(nonce, payload, ciphertext); err != nil {
			return nil, err
		}
		body = append(nonce, ciphertext...)
	}

	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, headerSize+len(body)+checksumSize)
	binary.BigEndian.PutUint32(frame[0:4], seq)
	frame[4] = byte(typ)
	binary.BigEndian.PutUint16(frame[5:7], uint16(len(body)))
	copy(frame[headerSize:], body)

	sum := checksum(frame[:headerSize+len(body)])
	binary.BigEndian.PutUint32(frame[headerSize+len(body):], sum)

	return frame, nil
}

// Parse decodes one frame from buffer, verifying length and checksum and
// decrypting the payload if a Cipher is configured. buffer must contain
// exactly one frame (no trailing bytes; callers read frames off a stream
// with a length-prefixed reader, see conn.Endpoint).
func Parse(c *Cipher, buffer []byte) (seq uint32, typ Type, payload []byte, err error) {
	if len(buffer) < headerSize+checksumSize {
		return 0, 0, nil, ErrShortFrame
	}

	declaredLen := int(binary.BigEndian.Uint16(buffer[5:7]))
	want := headerSize + declaredLen + checksumSize
	if len(buffer) != want {
		return 0, 0, nil, ErrLengthMismatch
	}

	sum := checksum(buffer[:headerSize+declaredLen])
	got := binary.BigEndian.Uint32(buffer[headerSize+declaredLen:])
	if sum != got {
		return 0, 0, nil, ErrChecksumMismatch
	}

	seq = binary.BigEndian.Uint32(buffer[0:4])
	typ = Type(buffer[4])
	body := buffer[headerSize : headerSize+declaredLen]

	if !c.Enabled() {
		out := make([]byte, len(body))
		copy(out, body)
		return seq, typ, out, nil
	}

	if len(body) < nonceSize {
		return 0, 0, nil, ErrShortFrame
	}
	nonce := body[:nonceSize]
	ciphertext := body[nonceSize:]
	plaintext := make([]byte, len(ciphertext))
	if err := c.crypt(nonce, ciphertext, plaintext); err != nil {
		return 0, 0, nil, err
	}
	return seq, typ, plaintext, nil
}

func (c *Cipher) crypt(nonce, src, dst []byte) error {
	stream, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
	if err != nil {
		return fmt.Errorf("protocol: initializing stream cipher: %w", err)
	}
	stream.XORKeyStream(dst, src)
	return nil
}

// checksum sums the bytes of data modulo 2^32, per the wire contract in
// SPEC_FULL.md §4.1.
func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}
