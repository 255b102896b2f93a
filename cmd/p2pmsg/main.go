// Package main provides the CLI entry point for the peer-to-peer
// encrypted messenger.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fibo3090-code/secure-p2p-chat/internal/chatstore"
	"github.com/fibo3090-code/secure-p2p-chat/internal/config"
	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
	"github.com/fibo3090-code/secure-p2p-chat/internal/logging"
	"github.com/fibo3090-code/secure-p2p-chat/internal/manager"
	"github.com/fibo3090-code/secure-p2p-chat/internal/session"
	"github.com/fibo3090-code/secure-p2p-chat/internal/sizefmt"
	"github.com/fibo3090-code/secure-p2p-chat/internal/sysinfo"
)

// Version is set at build time via ldflags.
var Version = "dev"

// errQuit signals that the user typed /quit. It unwinds the select loop
// in run() so the deferred store/manager teardown still runs, instead of
// exiting the process mid-handler.
var errQuit = errors.New("quit")

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	var (
		configPath string
		dataDir    string
		host       bool
		port       int
		connect    string
	)

	rootCmd := &cobra.Command{
		Use:   "p2pmsg",
		Short: "p2pmsg - peer-to-peer encrypted messenger",
		Long: `p2pmsg is a direct, mutually-authenticated, end-to-end encrypted
messenger. Two peers exchange long-term RSA identities, negotiate a
fresh X25519 key for every session, and talk AES-256-GCM over a plain
TCP connection - no server, no account, no metadata left behind
beyond what the two peers choose to keep.`,
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				configPath: configPath,
				dataDir:    dataDir,
				host:       host,
				port:       port,
				connect:    connect,
			})
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for identity, chat history, and downloads")
	rootCmd.Flags().BoolVar(&host, "host", false, "Listen for an incoming connection")
	rootCmd.Flags().IntVar(&port, "port", 0, "Port to listen on in --host mode (default from config)")
	rootCmd.Flags().StringVar(&connect, "connect", "", "Dial a host at host:port")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	dataDir    string
	host       bool
	port       int
	connect    string
}

func run(opts runOptions) error {
	if opts.host == (opts.connect != "") {
		return fmt.Errorf("exactly one of --host or --connect is required")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("p2pmsg: load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.DownloadDir, cfg.Storage.TempDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("p2pmsg: create %s: %w", dir, err)
		}
	}

	id, created, err := identity.LoadOrCreate(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("p2pmsg: load identity: %w", err)
	}
	fingerprint, _ := identity.Fingerprint(id.Public)
	if created {
		fmt.Printf("Generated new identity. Fingerprint: %s\n", fingerprint)
	} else {
		fmt.Printf("Loaded identity. Fingerprint: %s\n", fingerprint)
	}

	store, err := chatstore.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("p2pmsg: open chat store: %w", err)
	}
	store.StartPeriodicFlush(cfg.Session.PersistInterval)
	defer store.Close()

	ui := newChatUI()

	mgr := manager.New(manager.Config{
		DownloadDir:             cfg.Storage.DownloadDir,
		TempDir:                 cfg.Storage.TempDir,
		PersistInterval:         cfg.Session.PersistInterval,
		RateLimitBytesPerSecond: cfg.RateLimit.RatePerSecond,
		RateLimitBurst:          cfg.RateLimit.Burst,
	}, id, store, logger, ui.onEvent)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.HandshakeTimeout)
	defer cancel()

	if opts.host {
		addr := cfg.Listen.Address
		if opts.port != 0 {
			addr = fmt.Sprintf(":%d", opts.port)
		}
		if err := mgr.StartHost(addr); err != nil {
			return fmt.Errorf("p2pmsg: start host: %w", err)
		}
		fmt.Printf("Listening on %s. Waiting for a peer to connect...\n", addr)
	} else {
		chatID, err := mgr.ConnectTo(ctx, opts.connect, nil)
		if err != nil {
			return fmt.Errorf("p2pmsg: connect to %s: %w", opts.connect, err)
		}
		ui.setActiveChat(chatID)
		fmt.Printf("Connected to %s.\n", opts.connect)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stdinLines := make(chan string)
	go readStdinLines(stdinLines)

	fmt.Println("Type a message and press enter to send it. /file <path> sends a file, /quit exits.")

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			return nil
		case line, ok := <-stdinLines:
			if !ok {
				return nil
			}
			if err := ui.handleInput(mgr, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

func loadConfig(opts runOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.Storage.DataDir = opts.dataDir
		cfg.Storage.DownloadDir = filepath.Join(opts.dataDir, "downloads")
		cfg.Storage.TempDir = filepath.Join(opts.dataDir, "tmp")
	}
	return cfg, cfg.Validate()
}

func readStdinLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// chatUI tracks the single active chat this CLI session is talking to and
// renders incoming session events to the terminal.
type chatUI struct {
	mu        sync.Mutex
	chatID    [16]byte
	hasActive bool
}

func newChatUI() *chatUI {
	return &chatUI{}
}

func (u *chatUI) setActiveChat(chatID [16]byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chatID = chatID
	u.hasActive = true
}

func (u *chatUI) activeChat() ([16]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chatID, u.hasActive
}

func (u *chatUI) onEvent(e session.Event) {
	switch e.Kind {
	case session.EventNewConnection, session.EventReady:
		u.setActiveChat(e.ChatID)
		fmt.Printf("\n[connected] peer fingerprint %s\n> ", e.PeerFingerprint)
	case session.EventText:
		fmt.Printf("\n%s: %s\n> ", shortFingerprint(e.PeerFingerprint), e.Text)
	case session.EventFileMeta:
		fmt.Printf("\n[receiving] %s (%s)\n> ", e.FileName, sizefmt.Format(int64(e.FileSize)))
	case session.EventFileEnd:
		fmt.Printf("\n[received] %s\n> ", e.FileName)
	case session.EventTypingStart:
		fmt.Printf("\n%s is typing...\n> ", shortFingerprint(e.PeerFingerprint))
	case session.EventDisconnected:
		fmt.Printf("\n[disconnected]\n> ")
	case session.EventError:
		fmt.Printf("\n[error] %v\n> ", e.Err)
	}
}

func (u *chatUI) handleInput(mgr *manager.Manager, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if line == "/quit" {
		return errQuit
	}

	chatID, ok := u.activeChat()
	if !ok {
		return fmt.Errorf("no active chat yet")
	}

	if strings.HasPrefix(line, "/file ") {
		path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
		return mgr.SendFile(chatID, path, func(sent, total uint64) {
			fmt.Printf("\r  %s / %s", sizefmt.Format(int64(sent)), sizefmt.Format(int64(total)))
		})
	}

	return mgr.SendText(chatID, line)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
