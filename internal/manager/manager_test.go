package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fibo3090-code/secure-p2p-chat/internal/chatstore"
	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
	"github.com/fibo3090-code/secure-p2p-chat/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	store, err := chatstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("chatstore.Open() error = %v", err)
	}
	cfg := Config{DownloadDir: t.TempDir(), TempDir: t.TempDir()}
	return New(cfg, id, store, logging.NopLogger(), nil)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func connectManagers(t *testing.T) (host, client *Manager, clientChatID [16]byte) {
	t.Helper()
	host = newTestManager(t)
	client = newTestManager(t)

	if err := host.StartHost("127.0.0.1:0"); err != nil {
		t.Fatalf("StartHost() error = %v", err)
	}
	addr := host.listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chatID, err := client.ConnectTo(ctx, addr, nil)
	if err != nil {
		t.Fatalf("ConnectTo() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		_, ok := host.session(chatID)
		return ok
	})

	return host, client, chatID
}

func TestStartHostAndConnectEstablishesSession(t *testing.T) {
	host, client, chatID := connectManagers(t)
	defer host.Close()
	defer client.Close()

	if _, ok := client.session(chatID); !ok {
		t.Error("client session not registered")
	}
	if _, ok := host.session(chatID); !ok {
		t.Error("host session not registered")
	}

	chat, ok := host.store.Chat(chatIDString(chatID))
	if !ok {
		t.Error("host did not record a chat for the new connection")
	} else if chat.PeerFingerprint == "" {
		t.Error("recorded chat has no peer fingerprint")
	}
}

func TestSendTextDeliversAndPersists(t *testing.T) {
	host, client, chatID := connectManagers(t)
	defer host.Close()
	defer client.Close()

	if err := client.SendText(chatID, "hello there"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		chat, ok := host.store.Chat(chatIDString(chatID))
		return ok && len(chat.Messages) == 1
	})

	chat, _ := host.store.Chat(chatIDString(chatID))
	if chat.Messages[0].Text != "hello there" {
		t.Errorf("host received %q, want 'hello there'", chat.Messages[0].Text)
	}

	clientChat, ok := client.store.Chat(chatIDString(chatID))
	if !ok || len(clientChat.Messages) != 1 || !clientChat.Messages[0].Outgoing {
		t.Errorf("client did not record its own outgoing message: %+v", clientChat)
	}
}

func TestSendTextUnknownChatReturnsError(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	var bogus [16]byte
	if err := m.SendText(bogus, "hi"); err != ErrChatNotFound {
		t.Errorf("SendText() error = %v, want ErrChatNotFound", err)
	}
}

func TestSendFileDeliversToDownloadDir(t *testing.T) {
	host, client, chatID := connectManagers(t)
	defer host.Close()
	defer client.Close()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "notes.txt")
	content := []byte("hello from the other side")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := client.SendFile(chatID, srcPath, nil); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}

	var destPath string
	waitUntil(t, 2*time.Second, func() bool {
		entries, err := os.ReadDir(host.cfg.DownloadDir)
		if err != nil || len(entries) == 0 {
			return false
		}
		destPath = filepath.Join(host.cfg.DownloadDir, entries[0].Name())
		return true
	})

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received file content = %q, want %q", got, content)
	}
}

func TestSendGroupLocalPersistenceAndFanout(t *testing.T) {
	host, client, chatID := connectManagers(t)
	defer host.Close()
	defer client.Close()

	client.store.CreateGroup(chatstore.Group{
		GroupID:            "g1",
		Title:              "Friends",
		ParticipantChatIDs: []string{chatIDString(chatID), "00000000-0000-0000-0000-000000000000"},
	})

	sent, offline, err := client.SendGroup("g1", "group hello")
	if err != nil {
		t.Fatalf("SendGroup() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(offline) != 1 {
		t.Errorf("offline = %v, want one offline participant", offline)
	}

	g, ok := client.store.Group("g1")
	if !ok || len(g.Messages) != 1 {
		t.Fatalf("group local history not persisted: %+v", g)
	}
}

func TestSendGroupUnknownGroupReturnsError(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	if _, _, err := m.SendGroup("does-not-exist", "hi"); err != ErrGroupNotFound {
		t.Errorf("SendGroup() error = %v, want ErrGroupNotFound", err)
	}
}

func TestCloseTearsDownSessions(t *testing.T) {
	host, client, chatID := connectManagers(t)
	defer client.Close()

	if err := host.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		_, ok := client.session(chatID)
		return !ok
	})
}

