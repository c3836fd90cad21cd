package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/satriabw/calibration-frontend/internal/capture"
	"github.com/satriabw/calibration-frontend/internal/client"
	"github.com/satriabw/calibration-frontend/internal/config"
	"github.com/satriabw/calibration-frontend/internal/logging"
	"github.com/satriabw/calibration-frontend/internal/metrics"
	"github.com/satriabw/calibration-frontend/internal/protocol"
	"github.com/satriabw/calibration-frontend/internal/session"
	"github.com/satriabw/calibration-frontend/internal/status"
	"github.com/satriabw/calibration-frontend/internal/transport"
	"github.com/satriabw/calibration-frontend/internal/version"
)

const shutdownTimeout = 10 * time.Second

type captureFlags struct {
	mode     string
	input    string
	output   string
	rateHz   float64
	autoSave bool
}

func newCaptureCmd() *cobra.Command {
	var flags captureFlags

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Stream frames and save the extracted background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", "camera", "input mode: camera or file")
	cmd.Flags().StringVar(&flags.input, "input", "", "camera index/device or video file path")
	cmd.Flags().StringVar(&flags.output, "output", "background.jpg", "where to write the saved background")
	cmd.Flags().Float64Var(&flags.rateHz, "rate", 0, "capture rate in frames per second (0 uses CAPTURE_RATE_HZ)")
	cmd.Flags().BoolVar(&flags.autoSave, "auto-save", true, "save automatically once the server reports a background")
	return cmd
}

func runCapture(parent context.Context, flags captureFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	mode := protocol.InputMode(flags.mode)
	if !mode.Valid() {
		return fmt.Errorf("invalid --mode %q: must be camera or file", flags.mode)
	}
	if mode == protocol.ModeFile && flags.input == "" {
		return fmt.Errorf("--input is required with --mode file")
	}
	rate := flags.rateHz
	if rate == 0 {
		rate = cfg.CaptureRateHz
	}

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	connector := transport.NewConnector(transport.Options{
		Strategies: strategiesFor(cfg),
		Clock:      clock,
	})

	savedCh := make(chan session.SavedBackground, 1)
	var cli *client.Client
	machine := session.New(connector, session.Callbacks{
		OnActive: func(sessionID string) { cli.HandleSessionActive(sessionID) },
		OnSaved: func(saved session.SavedBackground) {
			select {
			case savedCh <- saved:
			default:
			}
		},
	}, clock, cfg.StartTimeout)
	machine.Bind(connector)

	loop := capture.New(connector, machine, capture.Options{
		JPEGQuality: cfg.JPEGQuality,
		Clock:       clock,
	})
	cli = client.New(connector, loop, machine)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cli.Close(shutdownCtx)
	}()

	if cfg.StatusAddr != "" {
		statusSrv := status.NewServer(cfg.StatusAddr, cli, clock)
		go func() {
			if err := statusSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.WithError(err).Error("Status server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := statusSrv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server shutdown error", "error", err)
			}
		}()
		slog.Info("Status server listening", "addr", cfg.StatusAddr)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := cli.StartCapture(connectCtx, client.StartOptions{
		Mode:   mode,
		Input:  flags.input,
		RateHz: rate,
	}); err != nil {
		return err
	}
	logging.WithStrategy(cli.StrategyName()).Info("Capture started",
		"input_mode", mode,
		"input", flags.input,
		"rate_hz", rate,
	)

	return watchCapture(ctx, cli, savedCh, flags)
}

// watchCapture waits for the background to be saved, triggering the save
// itself when auto-save is on, and writes the artifact to disk.
func watchCapture(ctx context.Context, cli *client.Client, savedCh <-chan session.SavedBackground, flags captureFlags) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received, cleaning up...")
			return nil

		case saved := <-savedCh:
			if err := os.WriteFile(flags.output, saved.Image, 0o644); err != nil {
				return fmt.Errorf("writing background: %w", err)
			}
			logging.WithSession(saved.SessionID).Info("Background written",
				"path", flags.output,
				"bytes", len(saved.Image),
			)
			return nil

		case <-ticker.C:
			snap := cli.Snapshot()
			if snap.State == session.StateEnded {
				if snap.LastError != "" {
					return fmt.Errorf("session ended before the background was saved: %s", snap.LastError)
				}
				return fmt.Errorf("session ended before the background was saved")
			}
			if flags.autoSave && snap.HasBackground && !snap.BackgroundSaved {
				if err := cli.SaveBackground(); err != nil {
					slog.Warn("Background save request failed", "error", err)
				}
			}
		}
	}
}

func strategiesFor(cfg *config.Config) []transport.Strategy {
	websocket := &transport.WebSocketStrategy{
		URL:              cfg.ProcessorURL,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	polling := &transport.PollingStrategy{URL: cfg.ProcessorURL}

	switch cfg.Transport {
	case config.TransportWebSocket:
		return []transport.Strategy{websocket}
	case config.TransportPolling:
		return []transport.Strategy{polling}
	default:
		return []transport.Strategy{websocket, polling}
	}
}
