// Package protocol implements the wire framing and in-session message
// codec shared by both endpoints of a session.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxPacketSize bounds the size of any single framed payload.
	MaxPacketSize = 8 * 1024 * 1024

	// HeaderSize is the length of the frame length-prefix header.
	HeaderSize = 4
)

var (
	// ErrPeerClosed is returned by Recv on a clean EOF before any header
	// byte has been read.
	ErrPeerClosed = errors.New("protocol: peer closed connection")

	// ErrTruncated is returned by Recv on EOF mid-header or mid-payload.
	ErrTruncated = errors.New("protocol: truncated frame")

	// ErrOversizedFrame is returned by Recv when the declared length
	// exceeds MaxPacketSize. The stream must be closed after this error.
	ErrOversizedFrame = errors.New("protocol: oversized frame")

	// ErrPayloadTooLarge is returned by Send when the payload exceeds
	// MaxPacketSize.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Send writes a 4-byte big-endian length header followed by payload to w,
// retrying partial writes until the full frame is transmitted or the
// stream errors.
func Send(w io.Writer, payload []byte) error {
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if err := writeFull(w, header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := writeFull(w, payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Recv reads one length-prefixed frame from r.
func Recv(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if err := readFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrPeerClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPacketSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrOversizedFrame, length)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if err := readFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return payload, nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
