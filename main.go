// pattern: Imperative Shell
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"tmuxdeck/internal/auth"
	"tmuxdeck/internal/bridge"
	"tmuxdeck/internal/cli"
	"tmuxdeck/internal/config"
	"tmuxdeck/internal/debuglog"
	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/instance"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/notify"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
	"tmuxdeck/internal/web"
)

var version = "dev"

func main() {
	// Stop parsing flags after the first non-flag arg (the subcommand),
	// so that --help after a subcommand is handled by the subcommand.
	flag.CommandLine.SetInterspersed(false)

	host := flag.String("host", "", "bind address (default: 127.0.0.1)")
	port := flag.Int("port", 0, "listen port (default: 8700, 0 picks a free port)")
	dataDir := flag.String("data-dir", "", "data directory (default: $XDG_DATA_HOME/tmuxdeck)")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		cli.BuildApp(version, "", "").PrintHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *host != "" {
		cfg.Host = *host
	}
	if flag.CommandLine.Changed("port") {
		cfg.Port = *port
	}

	args := flag.Args()
	if len(args) > 0 && args[0] != "serve" {
		app := cli.BuildApp(version, cfg.LockFilePath(), cfg.PortFilePath())
		os.Exit(app.Execute(args))
	}

	os.Exit(serve(cfg))
}

// serve runs the server until SIGINT/SIGTERM, returning the exit code.
func serve(cfg config.Config) int {
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath()), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fl, err := instance.Lock(cfg.LockFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer instance.Cleanup(cfg.PortFilePath(), fl)

	logManager, err := logging.NewManager(logging.Config{
		FilePath:   cfg.LogFilePath(),
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Level:      cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}
	defer func() { _ = logManager.Close() }()

	logger := logManager.For("app")
	logger.Info("server starting", "version", version, "data_dir", cfg.DataDir)

	ring := debuglog.NewRing(0)
	logManager.SetForward(ring.Forward)

	st, err := store.New(cfg.DataDir, cfg.TemplatesDir, logManager.For("store"))
	if err != nil {
		logger.Error("store init failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := st.WatchTemplates(ctx); err != nil {
			logger.Warn("template watcher stopped", "error", err)
		}
	}()

	// A missing docker daemon degrades to host/local/bridge sources only.
	var engine registry.Engine
	if api, err := docker.Connect(cfg.DockerSocket); err != nil {
		logger.Warn("docker client init failed, continuing without docker", "error", err)
	} else {
		engine = docker.NewManager(api, cfg.ContainerNamePrefix, logManager.For("docker"))
	}

	hub := bridge.NewHub(st, logManager)
	reg := registry.New(engine, hub, st, cfg.HostTmuxSocket, logManager)

	hub.OnReport = reg.SetBridgeSessions
	hub.OnChange = func(string, bool) { reg.Kick() }
	hub.OnLog = func(bridgeID, level, message string) {
		ring.Add(level, "bridge:"+bridgeID, message, "")
	}

	// Without a bot token the telegram channel stays dark: no sender, no
	// fallback timers, attention events go web-only.
	var sender notify.Sender
	channels := []notify.Channel{notify.ChannelWeb}
	if cfg.TelegramBotToken != "" {
		sender = notify.NewTelegram(cfg.TelegramBotToken,
			func() []store.TelegramChat { return st.Settings().TelegramChats }, logManager)
		channels = append(channels, notify.ChannelTelegram)
	}
	router := notify.NewRouter(sender, func() time.Duration {
		return time.Duration(st.Settings().TelegramNotificationTimeoutSecs) * time.Second
	}, logManager)

	reg.OnAttention = func(containerID string, session tmux.Session, window tmux.Window, kind string) {
		_, err := router.Post(notify.Notification{
			ContainerID: containerID,
			SessionName: session.Name,
			WindowIndex: window.Index,
			Title:       session.Name,
			Message:     fmt.Sprintf("%s in window %d (%s)", kind, window.Index, window.Name),
			Kind:        notify.Kind(kind),
			Channels:    channels,
		})
		if err != nil {
			logger.Warn("attention notification dropped", "error", err)
		}
	}

	gate := auth.NewGate(st, logManager)

	go reg.Run(ctx)

	srv := web.New(web.Config{
		Bind:            cfg.Host,
		Port:            cfg.Port,
		StaticDir:       cfg.StaticDir,
		TelegramAllowed: cfg.TelegramAllowed,
	}, reg, hub, router, gate, st, ring, logManager)

	ln, err := srv.Listen()
	if err != nil {
		logger.Error("listen failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := instance.WritePort(cfg.PortFilePath(), srv.Addr()); err != nil {
		logger.Error("failed to write port file", "error", err)
	}
	logger.Info("listening", "addr", srv.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("serve error", "error", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	hub.Shutdown()
	logger.Info("server stopped")
	return 0
}
