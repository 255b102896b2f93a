package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestSendRecvRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 1<<20),
	}

	for _, payload := range cases {
		var buf bytes.Buffer
		if err := Send(&buf, payload); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		got, err := Recv(&buf)
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(payload))
		}
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxPacketSize+1)
	err := Send(&buf, payload)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Send() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestRecvRejectsOversizedDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header declaring more than MaxPacketSize without
	// providing the body, since Send() refuses to create one.
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	_, err := Recv(&buf)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Errorf("Recv() error = %v, want ErrOversizedFrame", err)
	}
}

func TestRecvOnCleanEOFReturnsPeerClosed(t *testing.T) {
	buf := bytes.NewReader(nil)
	_, err := Recv(buf)
	if !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Recv() error = %v, want ErrPeerClosed", err)
	}
}

func TestRecvOnTruncatedHeaderReturnsTruncated(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	_, err := Recv(buf)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Recv() error = %v, want ErrTruncated", err)
	}
}

func TestRecvOnTruncatedPayloadReturnsTruncated(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0x00, 0x00, 0x00, 0x05}
	buf.Write(header)
	buf.Write([]byte("ab"))

	_, err := Recv(&buf)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Recv() error = %v, want ErrTruncated", err)
	}
}

func TestSendRetriesPartialWrites(t *testing.T) {
	pw := &partialWriter{chunkSize: 3}
	payload := bytes.Repeat([]byte{0x01}, 100)

	if err := Send(pw, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := Recv(bytes.NewReader(pw.buf.Bytes()))
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("partial-write round trip mismatch")
	}
}

// partialWriter accepts at most chunkSize bytes per Write call, exercising
// the retry loop in writeFull.
type partialWriter struct {
	buf       bytes.Buffer
	chunkSize int
}

func (p *partialWriter) Write(b []byte) (int, error) {
	if len(b) > p.chunkSize {
		b = b[:p.chunkSize]
	}
	return p.buf.Write(b)
}

var _ io.Writer = (*partialWriter)(nil)
