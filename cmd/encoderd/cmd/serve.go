package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/version"

	// Codec backends register themselves with hwcodec.
	_ "github.com/jmylchreest/encoderd/internal/hwcodec/ffmpegenc"
	_ "github.com/jmylchreest/encoderd/internal/hwcodec/loopback"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the encoder session",
	Long: `Bring the encoder component online and record into rotating
segment directories.

The daemon provides:
- timed segment rotation under <root>/<route>--<index>
- a synthetic or file frame producer
- MQTT publication of every encoded frame
- a segment catalog database
- an HTTP API for session control, health and the catalog`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("host", "0.0.0.0", "Host to bind to")
	f.Int("port", 8085, "Port to listen on")
	f.String("codec", config.CodecLoopback, "Codec backend (loopback, ffmpeg)")
	f.String("root", "./data/segments", "Segment storage root")
	f.String("route", "", "Route name (default: generated)")
	f.String("schedule", "@every 1m", "Rotation schedule (cron or @every)")
	f.Bool("rotate", true, "Open and rotate segments automatically")
	f.String("source", "synthetic", "Frame source (none, synthetic, file)")
	f.String("source-path", "", "Raw I420 file for the file source")
	f.Bool("telemetry", false, "Publish encoded frames over MQTT")
	f.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	f.String("database", "./data/encoderd.db", "Catalog database DSN")

	mustBindPFlag("server.host", f.Lookup("host"))
	mustBindPFlag("server.port", f.Lookup("port"))
	mustBindPFlag("encoder.codec", f.Lookup("codec"))
	mustBindPFlag("storage.root", f.Lookup("root"))
	mustBindPFlag("rotation.route", f.Lookup("route"))
	mustBindPFlag("rotation.schedule", f.Lookup("schedule"))
	mustBindPFlag("rotation.enabled", f.Lookup("rotate"))
	mustBindPFlag("source.type", f.Lookup("source"))
	mustBindPFlag("source.path", f.Lookup("source-path"))
	mustBindPFlag("telemetry.enabled", f.Lookup("telemetry"))
	mustBindPFlag("telemetry.broker", f.Lookup("broker"))
	mustBindPFlag("catalog.dsn", f.Lookup("database"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting encoderd",
		slog.String("version", version.Version),
		slog.String("codec", cfg.Encoder.Codec),
		slog.Int("width", cfg.Encoder.Width),
		slog.Int("height", cfg.Encoder.Height),
		slog.Int("fps", cfg.Encoder.FPS),
		slog.String("bitrate", cfg.Encoder.Bitrate.String()),
	)

	d := newDaemon(cfg, logger)
	if err := d.start(ctx); err != nil {
		if serr := d.shutdown(); serr != nil {
			logger.Error("cleanup after failed start", slog.String("error", serr.Error()))
		}
		return err
	}
	return d.wait(ctx)
}
