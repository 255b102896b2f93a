package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrTransferAborted is the reason passed to the AbortFunc when a transfer
// is discarded by Abort or by a superseding Meta. Once a transfer has been
// discarded, Chunk and End return ErrNoActiveTransfer.
var ErrTransferAborted = errors.New("transfer: aborted")

// ErrSizeMismatch is returned when the bytes actually received do not
// match the size announced in FileMeta.
var ErrSizeMismatch = errors.New("transfer: size mismatch")

// ErrNoActiveTransfer is returned when a FileChunk or FileEnd event
// arrives with no FileMeta having opened a transfer first.
var ErrNoActiveTransfer = errors.New("transfer: no active transfer")

// AbortFunc is invoked whenever Receiver discards an in-flight transfer (a
// superseding Meta, a chunk overshooting the announced size, a failed chunk
// write, or Abort), so the caller can surface it to the application. A
// failing End removes its temp file and returns the error without calling it.
type AbortFunc func(fileName string, reason error)

// Receiver reassembles one incoming file at a time on behalf of a single
// session, staging bytes in a temp file and atomically promoting it into
// the download directory on a clean FileEnd. Only one file may be
// in-flight per session; a new FileMeta aborts and discards whatever was
// in progress, reporting it through the AbortFunc.
type Receiver struct {
	downloadDir string
	tempDir     string
	onAbort     AbortFunc

	active *incoming
}

type incoming struct {
	finalName string
	tempPath  string
	file      *os.File
	expected  uint64
	received  uint64
}

// NewReceiver constructs a Receiver that stages temp files under tempDir
// and promotes finished transfers into downloadDir.
func NewReceiver(downloadDir, tempDir string, onAbort AbortFunc) *Receiver {
	return &Receiver{downloadDir: downloadDir, tempDir: tempDir, onAbort: onAbort}
}

// Meta opens a new incoming transfer under the name SanitizeFileName
// produces for name. Any transfer already in flight is discarded first.
func (r *Receiver) Meta(name string, size uint64) error {
	if r.active != nil {
		r.discard(ErrTransferAborted)
	}

	sanitized := SanitizeFileName(name)
	tempName := "tmp_" + uuid.NewString() + "_" + sanitized
	tempPath := filepath.Join(r.tempDir, tempName)

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("transfer: create temp file: %w", err)
	}

	r.active = &incoming{
		finalName: sanitized,
		tempPath:  tempPath,
		file:      f,
		expected:  size,
	}
	return nil
}

// Chunk appends a received chunk to the open transfer. It aborts (and
// returns ErrSizeMismatch) if the cumulative size exceeds what FileMeta
// announced, since the sender's chunker never overshoots on a
// well-behaved peer.
func (r *Receiver) Chunk(data []byte) error {
	if r.active == nil {
		return ErrNoActiveTransfer
	}

	if r.active.received+uint64(len(data)) > r.active.expected {
		r.discard(ErrSizeMismatch)
		return ErrSizeMismatch
	}

	if _, err := r.active.file.Write(data); err != nil {
		r.discard(err)
		return fmt.Errorf("transfer: write chunk: %w", err)
	}
	r.active.received += uint64(len(data))
	return nil
}

// End finalizes the open transfer: it verifies the received byte count
// matches what FileMeta announced, flushes and promotes the temp file
// into the download directory under a collision-disambiguated name, and
// returns the final path.
func (r *Receiver) End() (string, error) {
	if r.active == nil {
		return "", ErrNoActiveTransfer
	}
	cur := r.active
	r.active = nil

	if cur.received != cur.expected {
		closeAndRemove(cur.file, cur.tempPath)
		return "", ErrSizeMismatch
	}

	if err := cur.file.Sync(); err != nil {
		closeAndRemove(cur.file, cur.tempPath)
		return "", fmt.Errorf("transfer: sync temp file: %w", err)
	}
	if err := cur.file.Close(); err != nil {
		os.Remove(cur.tempPath)
		return "", fmt.Errorf("transfer: close temp file: %w", err)
	}

	finalPath := DisambiguatePath(r.downloadDir, cur.finalName, pathExists)
	if err := os.Rename(cur.tempPath, finalPath); err != nil {
		os.Remove(cur.tempPath)
		return "", fmt.Errorf("transfer: promote temp file: %w", err)
	}
	return finalPath, nil
}

// Abort discards whatever transfer is currently in flight, if any.
func (r *Receiver) Abort() {
	if r.active != nil {
		r.discard(ErrTransferAborted)
	}
}

func (r *Receiver) discard(reason error) {
	cur := r.active
	r.active = nil
	closeAndRemove(cur.file, cur.tempPath)
	if r.onAbort != nil {
		r.onAbort(cur.finalName, reason)
	}
}

func closeAndRemove(f *os.File, path string) {
	f.Close()
	os.Remove(path)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
