package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestReceiver(t *testing.T) (*Receiver, string, string) {
	t.Helper()
	downloadDir := t.TempDir()
	tempDir := t.TempDir()
	return NewReceiver(downloadDir, tempDir, nil), downloadDir, tempDir
}

func TestReceiverRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 65535, 65536, 65537}
	for _, size := range sizes {
		r, downloadDir, _ := newTestReceiver(t)

		if err := r.Meta("report.txt", uint64(size)); err != nil {
			t.Fatalf("Meta() error = %v", err)
		}

		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		const chunk = 4096
		for off := 0; off < len(data); off += chunk {
			end := off + chunk
			if end > len(data) {
				end = len(data)
			}
			if err := r.Chunk(data[off:end]); err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
		}

		finalPath, err := r.End()
		if err != nil {
			t.Fatalf("End() error = %v", err)
		}
		if filepath.Dir(finalPath) != downloadDir {
			t.Errorf("final path %q not under download dir %q", finalPath, downloadDir)
		}

		got, err := os.ReadFile(finalPath)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if len(got) != size {
			t.Errorf("promoted file size = %d, want %d", len(got), size)
		}
	}
}

func TestReceiverSanitizesTraversalFileName(t *testing.T) {
	r, downloadDir, _ := newTestReceiver(t)

	if err := r.Meta("../../secret", 3); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("abc")); err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	finalPath, err := r.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if filepath.Dir(finalPath) != downloadDir {
		t.Errorf("traversal name escaped download dir: %q", finalPath)
	}
	if filepath.Base(finalPath) != "secret" {
		t.Errorf("final name = %q, want sanitized 'secret'", filepath.Base(finalPath))
	}
}

func TestReceiverAbortsOnSizeOvershoot(t *testing.T) {
	var abortedName string
	var abortedReason error
	r := NewReceiver(t.TempDir(), t.TempDir(), func(name string, reason error) {
		abortedName, abortedReason = name, reason
	})

	if err := r.Meta("small.bin", 4); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("12345")); err != ErrSizeMismatch {
		t.Fatalf("Chunk() error = %v, want ErrSizeMismatch", err)
	}
	if abortedName != "small.bin" {
		t.Errorf("onAbort name = %q, want small.bin", abortedName)
	}
	if abortedReason != ErrSizeMismatch {
		t.Errorf("onAbort reason = %v, want ErrSizeMismatch", abortedReason)
	}

	if _, err := r.End(); err != ErrNoActiveTransfer {
		t.Errorf("End() after abort = %v, want ErrNoActiveTransfer", err)
	}
}

func TestReceiverAbortLeavesNoPartialFile(t *testing.T) {
	tempDir := t.TempDir()
	r := NewReceiver(t.TempDir(), tempDir, nil)

	if err := r.Meta("doomed.bin", 100); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("partial data")); err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	r.Abort()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir has %d leftover entries after abort, want 0", len(entries))
	}
}

func TestReceiverSecondMetaAbortsFirst(t *testing.T) {
	var abortedName string
	r := NewReceiver(t.TempDir(), t.TempDir(), func(name string, reason error) {
		abortedName = name
	})

	if err := r.Meta("first.bin", 10); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("12345")); err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if err := r.Meta("second.bin", 3); err != nil {
		t.Fatalf("second Meta() error = %v", err)
	}
	if abortedName != "first.bin" {
		t.Errorf("aborted name = %q, want first.bin", abortedName)
	}

	if err := r.Chunk([]byte("abc")); err != nil {
		t.Fatalf("Chunk() for second transfer error = %v", err)
	}
	finalPath, err := r.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if filepath.Base(finalPath) != "second.bin" {
		t.Errorf("final name = %q, want second.bin", filepath.Base(finalPath))
	}
}

func TestReceiverDisambiguatesCollidingNames(t *testing.T) {
	r, downloadDir, _ := newTestReceiver(t)

	if err := os.WriteFile(filepath.Join(downloadDir, "dup.txt"), []byte("existing"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := r.Meta("dup.txt", 2); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("hi")); err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	finalPath, err := r.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if filepath.Base(finalPath) == "dup.txt" {
		t.Errorf("colliding name was not disambiguated: %q", finalPath)
	}
}

func TestReceiverChunkWithoutMetaErrors(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	if err := r.Chunk([]byte("x")); err != ErrNoActiveTransfer {
		t.Errorf("Chunk() without Meta = %v, want ErrNoActiveTransfer", err)
	}
}

func TestReceiverEndSizeMismatchRemovesTempFile(t *testing.T) {
	tempDir := t.TempDir()
	r := NewReceiver(t.TempDir(), tempDir, nil)

	if err := r.Meta("short.bin", 10); err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if err := r.Chunk([]byte("12345")); err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}

	// Simulate a peer that sends FileEnd before delivering all announced
	// bytes by reaching in and forcing End's mismatch path: received (5)
	// never reaches expected (10), so End must reject it.
	if _, err := r.End(); err != ErrSizeMismatch {
		t.Fatalf("End() error = %v, want ErrSizeMismatch", err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir has %d leftover entries after mismatched End, want 0", len(entries))
	}
}
