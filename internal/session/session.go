// Package session owns one encrypted peer-to-peer stream end to end: the
// handshake state machine and the bidirectional encrypted message loop
// that follows it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fibo3090-code/secure-p2p-chat/internal/crypto"
	"github.com/fibo3090-code/secure-p2p-chat/internal/logging"
	"github.com/fibo3090-code/secure-p2p-chat/internal/protocol"
	"github.com/fibo3090-code/secure-p2p-chat/internal/recovery"
)

// Role identifies which side of the asymmetric handshake a session plays.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

// Status is the lifecycle state of a Session.
type Status int32

const (
	StatusConnecting Status = iota
	StatusHandshaking
	StatusFingerprintPending
	StatusActive
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusFingerprintPending:
		return "fingerprint_pending"
	case StatusActive:
		return "active"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ProtocolVersion is the only version this engine speaks. Announcing any
// other value triggers UnsupportedVersion before any ephemeral is sent.
const ProtocolVersion = 2

// HandshakeTimeout bounds the entire handshake, per side, end to end. It is
// a var rather than a const so tests can shrink it; production callers
// should leave it at its 15-second default.
var HandshakeTimeout = 15 * time.Second

// OutboundSoftCap is the default soft limit on queued outbound messages
// before a producer (e.g. the transfer chunker) should pause.
const OutboundSoftCap = 1024

// Sentinel session-fatal errors, matching the Transport/Protocol/Crypto
// error kinds at the core boundary.
var (
	ErrUnsupportedVersion = errors.New("session: unsupported protocol version")
	ErrMalformedHandshake = errors.New("session: malformed handshake message")
	ErrHandshakeTimeout   = errors.New("session: handshake timed out")
)

// Sink receives events emitted by a Session. Implementations must not block
// for long, since the session's I/O loop blocks on the call.
type Sink interface {
	Dispatch(Event)
}

// Session owns one TCP-like stream, its AEAD context, and its outbound
// queue. All exported methods are safe for concurrent use.
type Session struct {
	ID              string
	Role            Role
	ChatID          [16]byte
	PeerFingerprint string
	PeerAddr        string

	conn   net.Conn
	aead   *crypto.SessionKey
	sink   Sink
	logger *slog.Logger

	status atomic.Int32

	outbound  chan protocol.Message
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn net.Conn, role Role, chatID [16]byte, peerFingerprint string, aead *crypto.SessionKey, sink Sink, logger *slog.Logger) *Session {
	s := &Session{
		ID:              fmt.Sprintf("%s-%p", role, conn),
		Role:            role,
		ChatID:          chatID,
		PeerFingerprint: peerFingerprint,
		PeerAddr:        conn.RemoteAddr().String(),
		conn:            conn,
		aead:            aead,
		sink:            sink,
		logger:          logger,
		outbound:        make(chan protocol.Message, OutboundSoftCap),
		done:            make(chan struct{}),
	}
	s.status.Store(int32(StatusActive))
	return s
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

func (s *Session) setStatus(st Status) {
	s.status.Store(int32(st))
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Enqueue places a message on the outbound queue in FIFO order. It returns
// false if the session has already torn down (Done is closed).
func (s *Session) Enqueue(msg protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- msg:
		return true
	case <-s.done:
		return false
	}
}

// QueueDepth reports how many messages are currently buffered for send.
// Enqueue itself blocks once OutboundSoftCap messages are buffered.
func (s *Session) QueueDepth() int {
	return len(s.outbound)
}

// Run drives the bidirectional encrypted message loop until the stream
// closes, the context is cancelled, or a fatal protocol/crypto error
// occurs. It always returns after fully tearing the session down: the
// stream is closed, the AEAD key zeroized, and Done closed. Messages still
// in the outbound queue at that point are dropped, not sent.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "session-reader")
		s.readLoop(gctx, cancel)
		return nil
	})

	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "session-writer")
		s.writeLoop(gctx, cancel)
		return nil
	})

	_ = g.Wait()
	s.teardown()
}

// Close requests session termination: it closes the stream at once, which
// makes both loops return and Run tear the session down. Neither a write
// already in progress nor the messages still queued are flushed first.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Session) teardown() {
	s.Close()
	s.aead.Zero()
	s.setStatus(StatusDisconnected)
	close(s.done)
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sealed, err := protocol.Recv(s.conn)
		if err != nil {
			s.handleFatal(classifyTransportError(err))
			cancel()
			return
		}

		plaintext, err := s.aead.Decrypt(sealed)
		if err != nil {
			s.handleFatal(fmt.Errorf("decryption_failed: %w", err))
			cancel()
			return
		}

		msg, err := protocol.DecodeMessage(plaintext)
		if err != nil {
			s.logger.Warn("dropping malformed message", logging.KeySessionID, s.ID, logging.KeyError, err)
			continue
		}

		if msg.Kind == protocol.KindUnknown {
			s.logger.Warn("unknown message prefix, ignoring", logging.KeySessionID, s.ID)
			continue
		}

		s.dispatchInbound(msg)
	}
}

func (s *Session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.send(msg); err != nil {
				s.handleFatal(classifyTransportError(err))
				// readLoop is almost certainly blocked in protocol.Recv with
				// no read deadline; cancel alone won't unblock a syscall, so
				// close the conn to force it to return with an error too.
				s.Close()
				cancel()
				return
			}
		}
	}
}

func (s *Session) send(msg protocol.Message) error {
	plaintext := encodeOutbound(msg)

	sealed, err := s.aead.Encrypt(plaintext)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.Send(s.conn, sealed)
}

func (s *Session) handleFatal(err error) {
	if errors.Is(err, protocol.ErrPeerClosed) {
		s.setStatus(StatusDisconnected)
		s.sink.Dispatch(Event{Kind: EventDisconnected, SessionID: s.ID, ChatID: s.ChatID})
		return
	}
	s.setStatus(StatusError)
	s.logger.Warn("session failed", logging.KeySessionID, s.ID, logging.KeyError, err)
	s.sink.Dispatch(Event{Kind: EventError, SessionID: s.ID, ChatID: s.ChatID, Err: err})
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, protocol.ErrPeerClosed):
		return protocol.ErrPeerClosed
	case errors.Is(err, protocol.ErrTruncated):
		return protocol.ErrTruncated
	case errors.Is(err, protocol.ErrOversizedFrame):
		return protocol.ErrOversizedFrame
	default:
		return err
	}
}

