package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// messageTag marks envelopes produced by this application. Anything else
// arriving on a window endpoint is ignored.
const messageTag uint32 = 123

const (
	headerSize = 8
	// MaxPayloadBytes bounds the UTF-16 payload of one envelope.
	MaxPayloadBytes = 1 << 20
)

var (
	ErrTagMismatch      = errors.New("ipc: envelope tag mismatch")
	ErrPayloadTooLarge  = errors.New("ipc: payload too large")
	ErrMalformedPayload = errors.New("ipc: malformed payload")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Envelope layout, little endian:
//
//	| tag u32 | length u32 | payload (UTF-16LE, length bytes) |
func writeEnvelope(w io.Writer, payload string) error {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(payload))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if len(encoded) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(encoded))
	}

	buf := make([]byte, headerSize+len(encoded))
	binary.LittleEndian.PutUint32(buf[0:4], messageTag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(encoded)))
	copy(buf[headerSize:], encoded)

	_, err = w.Write(buf)
	return err
}

func readEnvelope(r io.Reader) (string, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	if tag := binary.LittleEndian.Uint32(hdr[0:4]); tag != messageTag {
		return "", fmt.Errorf("%w: got %d", ErrTagMismatch, tag)
	}

	n := binary.LittleEndian.Uint32(hdr[4:8])
	if n > MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if n%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrMalformedPayload, n)
	}

	encoded := make([]byte, n)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	decoded, err := utf16le.NewDecoder().Bytes(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return string(decoded), nil
}
