package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	cryptocore "github.com/fibo3090-code/secure-p2p-chat/internal/crypto"
	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
	"github.com/fibo3090-code/secure-p2p-chat/internal/protocol"
)

// PerformHostHandshake runs the host side of the v2 handshake over conn:
// VersionExchange, IdentityExchange, EphemeralExchange, then a blocking
// read of the client-propagated chat_id. On success it returns an Active
// Session; on any failure the stream is closed and a session-fatal error
// is returned.
func PerformHostHandshake(conn net.Conn, local *identity.KeyPair, sink Sink, logger *slog.Logger) (*Session, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: set handshake deadline: %w", err)
	}

	if err := exchangeVersion(conn, true); err != nil {
		conn.Close()
		return nil, err
	}

	localIdentityBytes, err := identity.EncodePublic(local.Public)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: encode local identity: %w", err)
	}
	if err := protocol.Send(conn, localIdentityBytes); err != nil {
		conn.Close()
		return nil, wrapHandshakeIOErr(err)
	}
	peerFingerprint, err := recvIdentity(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.Dispatch(Event{Kind: EventFingerprintReceived, PeerFingerprint: peerFingerprint})

	localEphemeral, err := cryptocore.GenerateEphemeral()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: generate ephemeral: %w", err)
	}
	defer localEphemeral.Zero()
	if err := protocol.Send(conn, protocol.EncodeEphemeralKey(localEphemeral.Public)); err != nil {
		conn.Close()
		return nil, wrapHandshakeIOErr(err)
	}
	peerPoint, err := recvEphemeral(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	chatID, err := recvChatID(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sessionKeyBytes, err := deriveAndZero(localEphemeral, peerPoint)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: clear handshake deadline: %w", err)
	}

	s := newSession(conn, RoleHost, chatID, peerFingerprint, cryptocore.NewSessionKey(sessionKeyBytes), sink, logger)
	sink.Dispatch(Event{Kind: EventNewConnection, SessionID: s.ID, ChatID: chatID, PeerFingerprint: peerFingerprint, PeerAddr: s.PeerAddr})
	return s, nil
}

// PerformClientHandshake runs the client side of the v2 handshake. If
// existingChatID is non-nil, it is propagated to the host so the host can
// correlate the session with a chat the client already created locally;
// otherwise a fresh UUID is generated.
func PerformClientHandshake(conn net.Conn, local *identity.KeyPair, existingChatID *[16]byte, sink Sink, logger *slog.Logger) (*Session, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: set handshake deadline: %w", err)
	}

	if err := exchangeVersion(conn, false); err != nil {
		conn.Close()
		return nil, err
	}

	peerFingerprint, err := recvIdentity(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.Dispatch(Event{Kind: EventFingerprintReceived, PeerFingerprint: peerFingerprint})

	localIdentityBytes, err := identity.EncodePublic(local.Public)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: encode local identity: %w", err)
	}
	if err := protocol.Send(conn, localIdentityBytes); err != nil {
		conn.Close()
		return nil, wrapHandshakeIOErr(err)
	}

	peerPoint, err := recvEphemeral(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	localEphemeral, err := cryptocore.GenerateEphemeral()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: generate ephemeral: %w", err)
	}
	defer localEphemeral.Zero()
	if err := protocol.Send(conn, protocol.EncodeEphemeralKey(localEphemeral.Public)); err != nil {
		conn.Close()
		return nil, wrapHandshakeIOErr(err)
	}

	var chatID [16]byte
	if existingChatID != nil {
		chatID = *existingChatID
	} else {
		id, err := uuid.NewRandom()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("session: generate chat_id: %w", err)
		}
		copy(chatID[:], id[:])
	}
	if err := protocol.Send(conn, protocol.EncodeChatID(chatID)); err != nil {
		conn.Close()
		return nil, wrapHandshakeIOErr(err)
	}

	sessionKeyBytes, err := deriveAndZero(localEphemeral, peerPoint)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: clear handshake deadline: %w", err)
	}

	s := newSession(conn, RoleClient, chatID, peerFingerprint, cryptocore.NewSessionKey(sessionKeyBytes), sink, logger)
	sink.Dispatch(Event{Kind: EventReady, SessionID: s.ID, ChatID: chatID, PeerFingerprint: peerFingerprint, PeerAddr: s.PeerAddr})
	return s, nil
}

// exchangeVersion sends this side's VERSION and reads the peer's. The host
// sends first and the client reads first, so the exchange also completes
// over an unbuffered stream.
func exchangeVersion(conn net.Conn, sendFirst bool) error {
	if sendFirst {
		if err := protocol.Send(conn, protocol.EncodeVersion(ProtocolVersion)); err != nil {
			return wrapHandshakeIOErr(err)
		}
	}

	payload, err := protocol.Recv(conn)
	if err != nil {
		return wrapHandshakeIOErr(err)
	}
	msg, err := protocol.DecodeMessage(payload)
	if err != nil || msg.Kind != protocol.KindVersion {
		return fmt.Errorf("%w: expected VERSION message", ErrMalformedHandshake)
	}
	if msg.Version != ProtocolVersion {
		return fmt.Errorf("%w: peer announced version %d", ErrUnsupportedVersion, msg.Version)
	}
	if !sendFirst {
		if err := protocol.Send(conn, protocol.EncodeVersion(ProtocolVersion)); err != nil {
			return wrapHandshakeIOErr(err)
		}
	}
	return nil
}

func recvIdentity(conn net.Conn) (fingerprint string, err error) {
	payload, err := protocol.Recv(conn)
	if err != nil {
		return "", wrapHandshakeIOErr(err)
	}
	pk, err := identity.DecodePublic(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	fp, err := identity.Fingerprint(pk)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	return fp, nil
}

func recvEphemeral(conn net.Conn) ([cryptocore.KeySize]byte, error) {
	var point [cryptocore.KeySize]byte
	payload, err := protocol.Recv(conn)
	if err != nil {
		return point, wrapHandshakeIOErr(err)
	}
	msg, err := protocol.DecodeMessage(payload)
	if err != nil || msg.Kind != protocol.KindEphemeralKey {
		return point, fmt.Errorf("%w: expected EPHEMERAL_KEY message", ErrMalformedHandshake)
	}
	return msg.PubPoint, nil
}

func recvChatID(conn net.Conn) ([16]byte, error) {
	var id [16]byte
	payload, err := protocol.Recv(conn)
	if err != nil {
		return id, wrapHandshakeIOErr(err)
	}
	id, err = protocol.DecodeChatID(payload)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	return id, nil
}

func deriveAndZero(local *cryptocore.EphemeralKeyPair, peerPoint [cryptocore.KeySize]byte) ([cryptocore.KeySize]byte, error) {
	defer local.Zero()

	shared, err := cryptocore.ECDH(local.Private, peerPoint)
	if err != nil {
		return [cryptocore.KeySize]byte{}, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	defer cryptocore.ZeroBytes(shared[:])

	key, err := cryptocore.DeriveSessionKey(shared)
	if err != nil {
		return key, fmt.Errorf("session: derive session key: %w", err)
	}
	return key, nil
}

func wrapHandshakeIOErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHandshakeTimeout
	}
	return err
}
