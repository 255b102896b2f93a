package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fibo3090-code/secure-p2p-chat/internal/protocol"
	"github.com/fibo3090-code/secure-p2p-chat/internal/session"
)

// ErrFileOpen is returned when the source file cannot be opened or
// stat'd for sending.
var ErrFileOpen = errors.New("transfer: cannot open source file")

// Enqueuer is the subset of *session.Session the sender needs. A
// soft-capped queue depth makes the pull-driven chunk loop below
// naturally pause when a peer stalls, satisfying the backpressure
// requirement without an explicit semaphore.
type Enqueuer interface {
	Enqueue(protocol.Message) bool
	QueueDepth() int
}

// ProgressFunc is invoked after each chunk is queued with the cumulative
// bytes sent and the total file size.
type ProgressFunc func(sent, total uint64)

// SendFile streams path's contents to q as a FileMeta/FileChunk.../FileEnd
// sequence. On a read failure partway through, it aborts by returning the
// error without emitting FileEnd. The receiver has no timeout of its own:
// it discards the unfinished file when a new FileMeta arrives or the
// session ends.
func SendFile(q Enqueuer, path string, progress ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	size := uint64(info.Size())
	name := filepath.Base(path)

	if !q.Enqueue(session.FileMetaMessage(name, size)) {
		return errors.New("transfer: session closed before FileMeta could be sent")
	}

	var sent uint64
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !q.Enqueue(session.FileChunkMessage(chunk)) {
				return errors.New("transfer: session closed mid-transfer")
			}
			sent += uint64(n)
			if progress != nil {
				progress(sent, size)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Drop the rest of the send; do not emit a synthetic
			// FileEnd on a read failure.
			return fmt.Errorf("transfer: read %s: %w", path, readErr)
		}
	}

	if !q.Enqueue(session.FileEndMessage()) {
		return errors.New("transfer: session closed before FileEnd could be sent")
	}
	return nil
}
