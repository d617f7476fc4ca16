package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/vprof/internal/api"
	"github.com/kalambet/vprof/internal/background"
	"github.com/kalambet/vprof/internal/bridge"
	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/capture"
	"github.com/kalambet/vprof/internal/config"
	"github.com/kalambet/vprof/internal/contextbuf"
	"github.com/kalambet/vprof/internal/media"
	"github.com/kalambet/vprof/internal/overlay"
	"github.com/kalambet/vprof/internal/panel"
	"github.com/kalambet/vprof/internal/recording"
	"github.com/kalambet/vprof/internal/services"
	"github.com/kalambet/vprof/internal/session"
	"github.com/kalambet/vprof/internal/storage"
)

// bridgeTimeout bounds platform calls that do not wait on the user.
const bridgeTimeout = 15 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vprof daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vprof daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vprof status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vprof.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "vprof version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", serverHost(cfg), cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vprof is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vprof is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	chats, err := session.Open(store)
	if err != nil {
		return fmt.Errorf("loading chats: %w", err)
	}
	buf := contextbuf.New(chats, cfg.Context.MaxChars)

	svc := services.New(cfg.Services, chats)
	go func() {
		base, err := svc.Discover(ctx)
		if err != nil {
			slog.Warn("app API not reachable yet", "error", err)
			return
		}
		slog.Info("app API discovered", "base", base)
	}()

	host := bridge.New(bridgeTimeout)
	router := bus.NewRouter()
	overlays := overlay.NewRegistry(float64(cfg.Capture.MinSelection))

	recorder := recording.New(recording.Deps{
		Acquire:     media.Chain{host.TabCapture(), host.DisplayPicker()},
		Microphone:  host.Microphone(),
		Mixer:       host,
		Recorder:    host,
		Frames:      host,
		OCR:         svc,
		Transcriber: svc,
		Context:     buf,
		Sink:        recording.DirSink{Dir: cfg.Storage.DownloadsDir},
	}, recording.Options{
		SampleInterval: cfg.Capture.SampleInterval,
		ChunkInterval:  cfg.Capture.ChunkInterval,
	})

	captures := capture.New(host, router.Outbox(bus.Panel), svc, recorder, buf, capture.Options{
		SelectionTimeout: cfg.Capture.SelectionTimeout,
		MinSelection:     float64(cfg.Capture.MinSelection),
	})

	// In-process endpoints.
	bg := background.New(host, chats, router.Outbox(bus.Background))
	host.OnTabRemoved(bg.Forget)
	bgBox := bus.NewMailbox(32)
	defer router.Attach(bus.Background, bgBox)()
	go bgBox.Run(ctx, bg, slog.Default().With("endpoint", "background"))

	panelEP := panel.New(chats, svc, buf, captures, router.Outbox(bus.Panel))
	panelBox := bus.NewMailbox(32)
	defer router.Attach(bus.Panel, panelBox)()
	go panelBox.Run(ctx, panelEP, slog.Default().With("endpoint", "panel"))

	handler := api.NewHandler(api.Deps{
		Token:    apiToken,
		Chats:    chats,
		Context:  buf,
		Panel:    panelEP,
		Capture:  captures,
		Router:   router,
		Overlays: overlays,
		Host:     host,
		Tabs:     bg,
		Base:     ctx,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Chats: chats, Context: buf})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "vprof listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recorder.State() == recording.Recording {
		if _, err := recorder.Stop(shutdownCtx); err != nil {
			slog.Warn("stopping recording on shutdown", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vprof is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vprof (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vprof (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/health", serverHost(cfg), cfg.Server.Port))
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s:%d", cfg.Server.Bind, cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			var s capture.Session
			if resp, err := c.get(ctx, "/capture"); err == nil && decodeJSON(resp, &s) == nil {
				printStatus("Capture", "%s", captureLine(s))
			}
			var active session.Chat
			if resp, err := c.get(ctx, "/chats/active"); err == nil && decodeJSON(resp, &active) == nil {
				printStatus("Active chat", "%s (%s)", active.Title, shortID(active.ID))
			}
		}
	}

	base := cfg.Services.BaseURL
	if base == "" {
		base = strings.Join(cfg.Services.Candidates, ", ")
	}
	printStatus("App API", "%s", base)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Downloads", "%s", cfg.Storage.DownloadsDir)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
