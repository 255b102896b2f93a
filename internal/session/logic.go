package session

import "github.com/fibo3090-code/secure-p2p-chat/internal/protocol"

// dispatchInbound translates a decoded wire message into an Event and
// forwards it to the sink. Ping is a protocol-level no-op and is never
// surfaced.
func (s *Session) dispatchInbound(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindText:
		s.sink.Dispatch(Event{Kind: EventText, SessionID: s.ID, ChatID: s.ChatID, Text: msg.Text})

	case protocol.KindFileMeta:
		s.sink.Dispatch(Event{Kind: EventFileMeta, SessionID: s.ID, ChatID: s.ChatID, FileName: msg.FileName, FileSize: msg.FileSize})

	case protocol.KindFileChunk:
		s.sink.Dispatch(Event{Kind: EventFileChunk, SessionID: s.ID, ChatID: s.ChatID, FileChunk: msg.FileChunk})

	case protocol.KindFileEnd:
		s.sink.Dispatch(Event{Kind: EventFileEnd, SessionID: s.ID, ChatID: s.ChatID})

	case protocol.KindTypingStart:
		s.sink.Dispatch(Event{Kind: EventTypingStart, SessionID: s.ID, ChatID: s.ChatID})

	case protocol.KindTypingStop:
		s.sink.Dispatch(Event{Kind: EventTypingStop, SessionID: s.ID, ChatID: s.ChatID})

	case protocol.KindPing:
		// Keepalive only; no application-visible effect.

	default:
		s.logger.Warn("unexpected message kind in active loop", "kind", msg.Kind)
	}
}

// encodeOutbound serializes an application-level Message back to wire
// bytes for AEAD sealing. Only the variants legal after handshake are
// handled; Version/EphemeralKey/ChatId never reach the outbound queue.
func encodeOutbound(msg protocol.Message) []byte {
	switch msg.Kind {
	case protocol.KindText:
		return protocol.EncodeText(msg.Text)
	case protocol.KindFileMeta:
		return protocol.EncodeFileMeta(msg.FileName, msg.FileSize)
	case protocol.KindFileChunk:
		return protocol.EncodeFileChunk(msg.FileChunk)
	case protocol.KindFileEnd:
		return protocol.EncodeFileEnd()
	case protocol.KindPing:
		return protocol.EncodePing()
	case protocol.KindTypingStart:
		return protocol.EncodeTypingStart()
	case protocol.KindTypingStop:
		return protocol.EncodeTypingStop()
	default:
		return nil
	}
}

// TextMessage builds an outbound Text message for Session.Enqueue.
func TextMessage(s string) protocol.Message {
	return protocol.Message{Kind: protocol.KindText, Text: s}
}

// FileMetaMessage builds an outbound FileMeta message.
func FileMetaMessage(name string, size uint64) protocol.Message {
	return protocol.Message{Kind: protocol.KindFileMeta, FileName: name, FileSize: size}
}

// FileChunkMessage builds an outbound FileChunk message.
func FileChunkMessage(chunk []byte) protocol.Message {
	return protocol.Message{Kind: protocol.KindFileChunk, FileChunk: chunk}
}

// FileEndMessage builds an outbound FileEnd message.
func FileEndMessage() protocol.Message {
	return protocol.Message{Kind: protocol.KindFileEnd}
}

// PingMessage builds an outbound Ping message.
func PingMessage() protocol.Message {
	return protocol.Message{Kind: protocol.KindPing}
}

// TypingStartMessage builds an outbound TypingStart message.
func TypingStartMessage() protocol.Message {
	return protocol.Message{Kind: protocol.KindTypingStart}
}

// TypingStopMessage builds an outbound TypingStop message.
func TypingStopMessage() protocol.Message {
	return protocol.Message{Kind: protocol.KindTypingStop}
}
