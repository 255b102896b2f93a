package manager

import (
	"time"

	"github.com/fibo3090-code/secure-p2p-chat/internal/chatstore"
	"github.com/fibo3090-code/secure-p2p-chat/internal/logging"
	"github.com/fibo3090-code/secure-p2p-chat/internal/session"
)

// Dispatch implements session.Sink. It is called synchronously from a
// session's own goroutines, so every branch here must be fast and must
// not call back into the session that produced the event.
func (m *Manager) Dispatch(e session.Event) {
	switch e.Kind {
	case session.EventNewConnection:
		m.handleNewConnection(e)

	case session.EventReady:
		m.handleNewConnection(e)

	case session.EventText:
		m.store.AppendMessage(chatIDString(e.ChatID), "", e.PeerFingerprint, chatstore.Message{
			Outgoing: false, Text: e.Text, Timestamp: timeNow(),
		})

	case session.EventFileMeta:
		if r, ok := m.receiver(e.ChatID); ok {
			if err := r.Meta(e.FileName, e.FileSize); err != nil {
				m.logger.Warn("failed to open incoming file", logging.KeyError, err, logging.KeyFileName, e.FileName)
			}
		}

	case session.EventFileChunk:
		if r, ok := m.receiver(e.ChatID); ok {
			if err := r.Chunk(e.FileChunk); err != nil {
				m.logger.Warn("file chunk rejected", logging.KeyError, err, logging.KeyChatID, chatIDString(e.ChatID))
			}
		}

	case session.EventFileEnd:
		if r, ok := m.receiver(e.ChatID); ok {
			path, err := r.End()
			if err != nil {
				m.logger.Warn("file transfer failed to finalize", logging.KeyError, err, logging.KeyChatID, chatIDString(e.ChatID))
			} else {
				m.store.AppendMessage(chatIDString(e.ChatID), "", e.PeerFingerprint, chatstore.Message{
					Outgoing: false, FileName: path, Timestamp: timeNow(),
				})
			}
		}

	case session.EventDisconnected, session.EventError:
		if r, ok := m.receiver(e.ChatID); ok {
			r.Abort()
		}
	}

	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// handleNewConnection records a chat for the session's chat_id unless the
// store already has one, so an existing chat keeps its history.
func (m *Manager) handleNewConnection(e session.Event) {
	if _, ok := m.store.Chat(chatIDString(e.ChatID)); ok {
		return
	}
	m.store.UpsertChat(chatstore.Chat{
		ChatID:          chatIDString(e.ChatID),
		PeerFingerprint: e.PeerFingerprint,
		Address:         e.PeerAddr,
		CreatedAt:       timeNow(),
	})
}

// timeNow exists solely so event timestamps have one call site; chat
// message ordering only needs monotonic wall-clock values, not a
// specific clock source.
func timeNow() time.Time {
	return time.Now()
}
