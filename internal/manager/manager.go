// Package manager owns the live set of sessions keyed by chat_id, fans
// their events in to a single event stream, and drives the transfer
// engine and chat persistence on top of them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fibo3090-code/secure-p2p-chat/internal/chatstore"
	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
	"github.com/fibo3090-code/secure-p2p-chat/internal/logging"
	"github.com/fibo3090-code/secure-p2p-chat/internal/ratelimit"
	"github.com/fibo3090-code/secure-p2p-chat/internal/recovery"
	"github.com/fibo3090-code/secure-p2p-chat/internal/session"
	"github.com/fibo3090-code/secure-p2p-chat/internal/transfer"
)

// ErrChatNotFound is returned when an operation names a chat_id with no
// active session.
var ErrChatNotFound = errors.New("manager: chat not found or not connected")

// ErrGroupNotFound is returned when an operation names an unknown group.
var ErrGroupNotFound = errors.New("manager: group not found")

// Config controls directories and timing the manager uses beyond the
// identity keypair and chat store it is constructed with.
type Config struct {
	DownloadDir     string
	TempDir         string
	ListenAddr      string
	PersistInterval time.Duration

	// RateLimitBytesPerSecond throttles each session's raw connection to
	// this many bytes per second in each direction. Zero disables
	// throttling.
	RateLimitBytesPerSecond float64
	RateLimitBurst          int
}

// Manager is the top-level coordinator: it accepts and dials sessions,
// keeps one transfer.Receiver per chat for inbound files, persists chat
// history, and fans every session's events out to an application
// callback.
type Manager struct {
	cfg      Config
	identity *identity.KeyPair
	store    *chatstore.Store
	logger   *slog.Logger

	onEvent func(session.Event)

	mu        sync.RWMutex
	sessions  map[[16]byte]*session.Session
	receivers map[[16]byte]*transfer.Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener net.Listener
}

// New constructs a Manager. onEvent, if non-nil, is called for every
// event any session dispatches, after the manager's own bookkeeping for
// that event has run.
func New(cfg Config, id *identity.KeyPair, store *chatstore.Store, logger *slog.Logger, onEvent func(session.Event)) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		identity:  id,
		store:     store,
		logger:    logger,
		onEvent:   onEvent,
		sessions:  make(map[[16]byte]*session.Session),
		receivers: make(map[[16]byte]*transfer.Receiver),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartHost opens a TCP listener on addr and accepts incoming
// connections, performing the host side of the handshake on each and
// registering the resulting session. It returns once the listener is
// bound; accepting runs in the background until Close is called.
func (m *Manager) StartHost(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("manager: listen on %s: %w", addr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "manager.acceptLoop")
		m.acceptLoop(ln)
	}()
	return nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				m.logger.Warn("accept failed", logging.KeyError, err)
				return
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "manager.hostHandshake")
			conn := ratelimit.Wrap(conn, m.cfg.RateLimitBytesPerSecond, m.cfg.RateLimitBurst)
			s, err := session.PerformHostHandshake(conn, m.identity, m, m.logger)
			if err != nil {
				m.logger.Warn("host handshake failed", logging.KeyError, err, logging.KeyRemoteAddr, conn.RemoteAddr().String())
				return
			}
			m.registerAndRun(s)
		}()
	}
}

// ConnectTo dials addr and performs the client side of the handshake. If
// existingChatID is nil, a fresh chat_id is minted and the resulting
// session becomes a new chat; otherwise the session joins the named
// chat (e.g. reconnecting to a peer already in the store).
func (m *Manager) ConnectTo(ctx context.Context, addr string, existingChatID *[16]byte) ([16]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return [16]byte{}, fmt.Errorf("manager: dial %s: %w", addr, err)
	}
	conn = ratelimit.Wrap(conn, m.cfg.RateLimitBytesPerSecond, m.cfg.RateLimitBurst)

	s, err := session.PerformClientHandshake(conn, m.identity, existingChatID, m, m.logger)
	if err != nil {
		return [16]byte{}, err
	}
	m.registerAndRun(s)
	return s.ChatID, nil
}

func (m *Manager) registerAndRun(s *session.Session) {
	m.mu.Lock()
	if existing, ok := m.sessions[s.ChatID]; ok {
		existing.Close()
	}
	m.sessions[s.ChatID] = s
	m.receivers[s.ChatID] = transfer.NewReceiver(m.cfg.DownloadDir, m.cfg.TempDir, func(name string, reason error) {
		m.logger.Warn("file transfer aborted", logging.KeyFileName, name, logging.KeyReason, reason)
	})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(m.ctx)

		m.mu.Lock()
		if cur, ok := m.sessions[s.ChatID]; ok && cur == s {
			delete(m.sessions, s.ChatID)
			delete(m.receivers, s.ChatID)
		}
		m.mu.Unlock()
	}()
}

// SendText enqueues a text message on the named chat's session and
// records it as an outgoing message in the store.
func (m *Manager) SendText(chatID [16]byte, text string) error {
	s, ok := m.session(chatID)
	if !ok {
		return ErrChatNotFound
	}
	if !s.Enqueue(session.TextMessage(text)) {
		return ErrChatNotFound
	}

	m.store.AppendMessage(chatIDString(chatID), "", s.PeerFingerprint, chatstore.Message{
		Outgoing: true, Text: text, Timestamp: time.Now(),
	})
	return nil
}

// SendFile streams path to the named chat's session in the background,
// reporting progress via the optional callback.
func (m *Manager) SendFile(chatID [16]byte, path string, progress transfer.ProgressFunc) error {
	s, ok := m.session(chatID)
	if !ok {
		return ErrChatNotFound
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "manager.sendFile")
		if err := transfer.SendFile(s, path, progress); err != nil {
			m.logger.Warn("file send failed", logging.KeyError, err, logging.KeyChatID, chatIDString(chatID))
		}
	}()
	return nil
}

// SendGroup appends text to a group's local history unconditionally,
// then best-effort fans it out to every participant chat that currently
// has a live session. It returns the number of chats the message was
// actually delivered to and the chat_ids of participants that were
// offline.
func (m *Manager) SendGroup(groupID string, text string) (sent int, offline []string, err error) {
	g, ok := m.store.Group(groupID)
	if !ok {
		return 0, nil, ErrGroupNotFound
	}

	m.store.AppendGroupMessage(groupID, chatstore.Message{Outgoing: true, Text: text, Timestamp: time.Now()})

	for _, participant := range g.ParticipantChatIDs {
		id, err := uuid.Parse(participant)
		if err != nil {
			offline = append(offline, participant)
			continue
		}
		var chatID [16]byte
		copy(chatID[:], id[:])

		if err := m.SendText(chatID, text); err != nil {
			offline = append(offline, participant)
			continue
		}
		sent++
	}
	return sent, offline, nil
}

// Close stops accepting new connections, closes every live session, and
// waits for all manager goroutines to finish.
func (m *Manager) Close() error {
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) session(chatID [16]byte) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	return s, ok
}

func (m *Manager) receiver(chatID [16]byte) (*transfer.Receiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receivers[chatID]
	return r, ok
}

func chatIDString(id [16]byte) string {
	u, err := uuid.FromBytes(id[:])
	if err != nil {
		return fmt.Sprintf("%x", id)
	}
	return u.String()
}
