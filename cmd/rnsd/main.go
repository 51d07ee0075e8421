// Command rnsd runs a minimal Reticulum endpoint: one TCP upstream
// interface with HDLC framing, an LXMF router on a persistent
// identity, and the transport tick loop.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/cvsouth/reticulum-go/frame"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/lxmf"
	"github.com/cvsouth/reticulum-go/lxmrouter"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <upstream-host:port> [storage-dir]\n", os.Args[0])
		os.Exit(1)
	}
	upstream := os.Args[1]
	storageDir := defaultStorageDir()
	if len(os.Args) > 2 {
		storageDir = os.Args[2]
	}

	logger, logFile := setupLogging(storageDir)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== rnsd %s ===\n", Version)

	id := loadOrCreateIdentity(storageDir, logger)
	fmt.Printf("Identity %x\n", id.Hash())

	t := transport.New(transport.Config{
		LXMFStoragePath: filepath.Join(storageDir, "lxmf"),
	}, logger)

	iface, err := dialTCPInterface(upstream, t, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upstream connect failed: %v\n", err)
		os.Exit(1)
	}
	t.AttachInterface(iface)

	router, err := lxmrouter.New(t, id, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "router init failed: %v\n", err)
		os.Exit(1)
	}
	defer router.Close()
	router.OnInbound(func(m *lxmf.Message) {
		fmt.Printf("[%s] %s: %s\n", time.Unix(int64(m.Timestamp), 0).Format(time.RFC3339), m.Title, m.Content)
	})
	if err := router.AnnounceDelivery(nil); err != nil {
		logger.Warn("announce failed", "error", err)
	}
	fmt.Printf("LXMF delivery destination %x\n", router.DeliveryHash())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	t.Run(ctx)
	fmt.Println("shutting down")
	iface.close()
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rnsd"
	}
	return filepath.Join(home, ".rnsd")
}

func setupLogging(storageDir string) (*slog.Logger, *os.File) {
	_ = os.MkdirAll(storageDir, 0700)
	logFile, err := os.OpenFile(filepath.Join(storageDir, "rnsd-debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// loadOrCreateIdentity restores the node identity from storage or
// generates and saves a fresh one. The on-disk form is the X25519
// private key followed by the Ed25519 seed.
func loadOrCreateIdentity(storageDir string, logger *slog.Logger) *identity.Identity {
	path := filepath.Join(storageDir, "identity")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == 64 {
		id := &identity.Identity{}
		copy(id.EncPriv[:], raw[:32])
		id.SigPriv = ed25519.NewKeyFromSeed(raw[32:64])
		id.SigPub = id.SigPriv.Public().(ed25519.PublicKey)
		if pub, err := derivePublic(id.EncPriv); err == nil {
			id.EncPub = pub
			logger.Info("identity loaded", "path", path)
			return id
		}
	}

	id, err := identity.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity generation failed: %v\n", err)
		os.Exit(1)
	}
	raw := make([]byte, 0, 64)
	raw = append(raw, id.EncPriv[:]...)
	raw = append(raw, id.SigPriv.Seed()...)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		logger.Warn("identity not persisted", "error", err)
	}
	return id
}

func derivePublic(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	raw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive X25519 public key: %w", err)
	}
	copy(pub[:], raw)
	return pub, nil
}

// tcpInterface is a host-side transport: a TCP client that frames
// outbound packets with HDLC and feeds deframed inbound buffers to
// the transport.
type tcpInterface struct {
	conn   net.Conn
	name   string
	online atomic.Bool
}

func dialTCPInterface(addr string, t *transport.Transport, logger *slog.Logger) (*tcpInterface, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	iface := &tcpInterface{conn: conn, name: "tcp/" + addr}
	iface.online.Store(true)

	go func() {
		deframer := frame.NewHDLCDeframer()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				logger.Warn("upstream closed", "iface", iface.name, "error", err)
				iface.online.Store(false)
				return
			}
			deframer.Feed(buf[:n], packet.HeaderMinSize, func(frameData []byte) {
				t.Inbound(frameData, iface)
			})
		}
	}()
	return iface, nil
}

func (i *tcpInterface) ProcessOutgoing(data []byte) error {
	_, err := i.conn.Write(frame.FrameHDLC(data))
	return err
}

func (i *tcpInterface) Bitrate() int { return 10_000_000 }
func (i *tcpInterface) HWMTU() int { return 262144 }
func (i *tcpInterface) CanSend() bool { return i.online.Load() }
func (i *tcpInterface) CanReceive() bool { return i.online.Load() }
func (i *tcpInterface) Online() bool { return i.online.Load() }
func (i *tcpInterface) Name() string { return i.name }
func (i *tcpInterface) close() { _ = i.conn.Close() }

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
