package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satriabw/calibration-frontend/internal/calibration"
	"github.com/satriabw/calibration-frontend/internal/config"
	"github.com/satriabw/calibration-frontend/internal/logging"
)

type calibrateFlags struct {
	points string
	image  string
	output string
	origin string
}

func newCalibrateCmd() *cobra.Command {
	var flags calibrateFlags

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Submit a calibration solve against a saved background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCalibrate(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.points, "points", "", "JSON file of pixel/geo correspondence points")
	cmd.Flags().StringVar(&flags.image, "image", "background.jpg", "background image the points were picked on")
	cmd.Flags().StringVar(&flags.output, "output", "calibration.png", "where to write the result visualization")
	cmd.Flags().StringVar(&flags.origin, "origin", "", "optional origin as lat,lon")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func runCalibrate(parent context.Context, flags calibrateFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.CalibrationURL == "" {
		return fmt.Errorf("CALIBRATION_URL is required for calibrate")
	}

	points, err := loadPoints(flags.points)
	if err != nil {
		return err
	}
	image, err := os.ReadFile(flags.image)
	if err != nil {
		return fmt.Errorf("reading background image: %w", err)
	}

	req := calibration.SolveRequest{Points: points, Image: image}
	if flags.origin != "" {
		origin, err := parseOrigin(flags.origin)
		if err != nil {
			return err
		}
		req.Origin = origin
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := calibration.NewClient(cfg.CalibrationURL, calibration.Options{}).Solve(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("RMS error: %.4f\n", result.RMSError)
	if len(result.Visualization) > 0 {
		if err := os.WriteFile(flags.output, result.Visualization, 0o644); err != nil {
			return fmt.Errorf("writing visualization: %w", err)
		}
		fmt.Printf("Visualization written to %s\n", flags.output)
	}
	if len(result.History) > 0 {
		slog.Info("Solve history returned", "entries", len(result.History))
	}
	return nil
}

func loadPoints(path string) ([]calibration.PointPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading points file: %w", err)
	}
	var points []calibration.PointPair
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parsing points file: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("points file %s contains no points", path)
	}
	return points, nil
}

func parseOrigin(value string) (*calibration.GeoPoint, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid --origin %q: expected lat,lon", value)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --origin latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --origin longitude: %w", err)
	}
	return &calibration.GeoPoint{Lat: lat, Lon: lon}, nil
}
