// Command wxmuxd is the session daemon: it owns the process-wide mux
// registry and the scheduler every pane, tab, and window runs on, and
// accepts framed PDU connections over a unix-domain socket (and,
// optionally, TLS) until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"wxmux/internal/archive"
	"wxmux/internal/config"
	"wxmux/internal/domain"
	"wxmux/internal/localui"
	"wxmux/internal/mux"
	"wxmux/internal/pki"
	"wxmux/internal/scheduler"
	"wxmux/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the daemon config file")
	socketOverride := flag.String("socket", "", "unix-domain socket path (overrides config and $XDG_RUNTIME_DIR)")
	flag.Parse()

	cfg, err := config.EnsureFile(*configPath)
	if err != nil {
		slog.Error("[wxmuxd] failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	setLogLevel(cfg.LogLevel)

	socketPath := *socketOverride
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}
	if socketPath == "" {
		socketPath, err = defaultSocketPath()
		if err != nil {
			slog.Error("[wxmuxd] failed to resolve default socket path", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sch := scheduler.New()
	go sch.Run(ctx)

	m := mux.New()
	m.SetActiveWorkspace(cfg.DefaultWorkspace)

	local := domain.NewLocal(m.NextID(), "local", cfg.Shell, sch).WithIDSource(m.IDSource())
	if err := local.Attach(ctx); err != nil {
		slog.Error("[wxmuxd] failed to attach local domain", "error", err)
		os.Exit(1)
	}
	m.AddDomain(local)
	m.SetDefaultDomain(local.DomainID())

	srv := server.New(m, sch, 0)

	if a, err := attachArchive(cfg); err != nil {
		slog.Warn("[wxmuxd] archive disabled", "error", err)
	} else if a != nil {
		defer a.Close()
		a.Attach(m)
		srv.AttachArchive(a)
	}

	hub := localui.NewHub(localui.HubOptions{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.LocalUIPort)})
	if err := hub.Start(ctx); err != nil {
		slog.Warn("[wxmuxd] local UI observer disabled", "error", err)
	} else {
		defer hub.Stop()
		hub.Attach(m)
		srv.AttachLocalUI(hub)
		slog.Info("[wxmuxd] local UI observer listening", "url", hub.URL())
	}

	ln, err := server.ListenUnix(socketPath)
	if err != nil {
		slog.Error("[wxmuxd] failed to listen", "socket", socketPath, "error", err)
		os.Exit(1)
	}
	slog.Info("[wxmuxd] listening", "socket", socketPath)

	if cfg.TLSPort != 0 {
		if err := serveTLS(ctx, cfg, srv); err != nil {
			slog.Warn("[wxmuxd] TLS listener disabled", "error", err)
		}
	}

	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("[wxmuxd] serve returned an error", "error", err)
		os.Exit(1)
	}
	slog.Info("[wxmuxd] shut down")
}

func serveTLS(ctx context.Context, cfg config.Config, srv *server.Server) error {
	pkiDir := cfg.PKIDir
	if pkiDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve pki dir: %w", err)
		}
		pkiDir = filepath.Join(home, ".local", "share", "wxmux", "pki")
	}
	ca, err := pki.Bootstrap(pkiDir)
	if err != nil {
		return fmt.Errorf("bootstrap pki: %w", err)
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.TLSPort)
	ln, err := server.ListenTLS(addr, ca)
	if err != nil {
		return fmt.Errorf("listen tls: %w", err)
	}
	slog.Info("[wxmuxd] TLS listening", "addr", addr)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			slog.Error("[wxmuxd] tls serve returned an error", "error", err)
		}
	}()
	return nil
}

func attachArchive(cfg config.Config) (*archive.Archive, error) {
	path := cfg.ArchiveDir
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve archive path: %w", err)
		}
		path = filepath.Join(home, ".local", "share", "wxmux", "archive.db")
	}
	return archive.Open(path)
}

func defaultSocketPath() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "wxmuxd.sock"), nil
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("wxmuxd-%d.sock", os.Getuid())), nil
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}
