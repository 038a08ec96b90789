// Command voicelink is the terminal voice client: it connects to the
// orchestrator, streams microphone audio, and plays responses.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dharsan99/voicelink/internal/config"
	"github.com/dharsan99/voicelink/internal/logbuf"
	"github.com/dharsan99/voicelink/internal/observe"
	"github.com/dharsan99/voicelink/internal/playback"
	"github.com/dharsan99/voicelink/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	serverURL := flag.String("server", "", "orchestrator WebSocket URL (overrides config)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = &config.Config{}
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
			return 1
		}
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if cfg.Client.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "voicelink: no server URL; set client.server_url or pass -server")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logs := newLogBuffer(cfg)
	slog.SetDefault(slog.New(logs))

	slog.Info("voicelink starting",
		"config", *configPath,
		"server_url", cfg.Client.ServerURL,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicelink"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Session ───────────────────────────────────────────────────────────────
	gate := playback.NewGate()
	if cfg.Client.AutoUnlockPlayback {
		gate.Unlock()
	}

	header := http.Header{}
	if cfg.Client.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Client.Token)
	}

	sess := session.New(session.Config{
		URL:                  cfg.Client.ServerURL,
		Header:               header,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Client.ReconnectDelay.Std(),
		HeartbeatInterval:    cfg.Client.HeartbeatInterval.Std(),
	}, gate, session.WithHandlers(session.Handlers{
		OnPhase: func(p session.Phase) {
			fmt.Printf("[%s]\n", p)
		},
		OnInterimTranscript: func(text string) {
			fmt.Printf("you (…): %s\r", text)
		},
		OnFinalTranscript: func(text string) {
			fmt.Printf("you: %s\n", text)
		},
		OnResponse: func(text string) {
			fmt.Printf("assistant: %s\n", text)
		},
		OnError: func(err error) {
			slog.Warn("session error", "err", err)
		},
	}))

	if err := sess.Connect(ctx); err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}
	defer sess.Close()

	fmt.Println("commands: record, stop, unlock, status, logs, quit")

	// ── Command loop ──────────────────────────────────────────────────────────
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			switch line {
			case "record":
				if err := sess.StartRecording(ctx); err != nil {
					slog.Error("cannot start recording", "err", err)
				}
			case "stop":
				sess.StopRecording()
				sess.Finalize()
			case "unlock":
				gate.Unlock()
				fmt.Println("playback unlocked")
			case "status":
				fmt.Printf("phase=%s session=%s recording=%v services=%v\n",
					sess.Phase(), sess.ID(), sess.Recording(), sess.ServiceStates())
			case "logs":
				for _, rec := range logs.Recent() {
					fmt.Printf("%s %-5s %s %v\n",
						rec.Time.Format(time.TimeOnly), rec.Level, rec.Message, rec.Attrs)
				}
			case "quit", "exit":
				return 0
			case "":
			default:
				fmt.Printf("unknown command %q\n", line)
			}
		}
	}
}

// newLogBuffer builds the ring-buffered logger from config.
func newLogBuffer(cfg *config.Config) *logbuf.Buffer {
	var lvl slog.Level
	switch cfg.Logging.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return logbuf.New(inner, cfg.Logging.BufferSize)
}
