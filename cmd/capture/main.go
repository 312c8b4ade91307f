package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-usb-capture/internal/ffmpeg"
	"github.com/video-system/go-usb-capture/pkg/api"
	"github.com/video-system/go-usb-capture/pkg/audio/malgosink"
	"github.com/video-system/go-usb-capture/pkg/capture"
	"github.com/video-system/go-usb-capture/pkg/device/ftusb"
	"github.com/video-system/go-usb-capture/pkg/layout"
)

var version = "dev"

const defaultConfigPath = "config.yaml"

type options struct {
	configPath string
	reconnect  string
	logLevel   string
	safe       bool
	noAudio    bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "capture",
		Short: "Stream audio and video from a USB capture board",
		Long: `capture connects to an FT60x based capture board, plays its audio
through the default output device, decodes its video frames and serves a
small HTTP control API. Frames can optionally be piped into ffmpeg.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default ./config.yaml when present)")
	f.BoolVar(&opts.safe, "safe", false, "ignore the config file and use defaults")
	f.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.Flags().StringVar(&opts.reconnect, "reconnect", "", "reconnect mode override (manual, automatic)")
	root.Flags().BoolVar(&opts.noAudio, "no-audio", false, "disable audio playback")

	root.AddCommand(newVersionCmd(), newDevicesCmd(opts), newProbeCmd(opts))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "capture %s\n", version)
		},
	}
}

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached capture boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			tr := ftusb.New(ftusb.Config{Interface: cfg.Device.Interface, Logger: newLogger(cfg.Log, io.Discard)})
			defer tr.Close()

			names, err := tr.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no capture boards found")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newProbeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [file]",
		Short: "Inspect a recorded capture with ffprobe",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			path := cfg.Output.Target
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no file given and output.target is not set")
			}

			ff, err := ffmpeg.New()
			if err != nil {
				return err
			}
			info, err := ff.GetVideoInfo(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s %s %.2f fps, %d frames\n",
				path, info.Codec, info.PixelFmt, info.Resolution(), info.Framerate, info.Frames)
			return nil
		},
	}
}

func loadConfig(opts *options) (*capture.Config, error) {
	cfg := capture.DefaultConfig()
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if !opts.safe && path != "" {
		var err error
		if cfg, err = capture.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if opts.reconnect != "" {
		mode, err := capture.ParseMode(opts.reconnect)
		if err != nil {
			return nil, err
		}
		cfg.Reconnect.Mode = mode
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.noAudio {
		off := false
		cfg.Audio.Enabled = &off
	}
	return cfg, nil
}

func newLogger(cfg capture.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := ftusb.New(ftusb.Config{
		Interface: cfg.Device.Interface,
		InFlight:  cfg.Device.InFlight,
		Logger:    log,
	})
	defer tr.Close()

	deps := capture.Deps{Transport: tr}

	if cfg.Audio.IsEnabled() {
		backend, err := malgosink.New(malgosink.Config{PullWait: cfg.Audio.PullWait, Logger: log})
		if err != nil {
			return fmt.Errorf("audio backend: %w", err)
		}
		defer backend.Close()
		deps.NewSink = backend.Factory
	}

	if cfg.Output.Enabled {
		ff, err := ffmpeg.New()
		if err != nil {
			return fmt.Errorf("frame output: %w", err)
		}
		if v, err := ff.Version(ctx); err == nil {
			log.Info("using ffmpeg", "version", v)
		}
		deps.Output = ff.NewFrameWriter(ffmpeg.RawVideoConfig{
			Width:     layout.CapWidth,
			Height:    layout.CapHeight,
			Framerate: layout.USBFPS,
			Filter:    cfg.Output.Filter,
			Args:      cfg.Output.Args,
			Target:    cfg.Output.Target,
		}, log)
	}

	mgr, err := capture.NewManager(cfg, deps, log)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		Controller: mgr,
		Logger:     log,
	})

	log.Info("capture starting",
		"version", version,
		"reconnect", cfg.Reconnect.Mode,
		"audio", cfg.Audio.IsEnabled(),
		"output", cfg.Output.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("capture stopped", "error", err)
		return err
	}
	log.Info("capture stopped")
	return nil
}
