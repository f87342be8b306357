package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "roberta-connector.yaml", "Path to YAML config file, missing file means defaults.")
	brickAddr := flag.String("brick", "", "Override address of the EV3 brick.")
	serverAddr := flag.String("server", "", "Override default Open Roberta server address.")
	mqttURL := flag.String("mqtt-url", "", "URL of MQTT server to mirror status to, empty disables.")
	homekitDir := flag.String("homekit-dir", "", "Location on disk to store HomeKit pairing state, empty disables.")
	listen := flag.String("listen", "", "Override address of the local status API, \"off\" disables.")
	debug := flag.Bool("debug", false, "Debug logging.")
	versioninfo.AddFlag(nil)

	flag.Parse()

	cfg, err := LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("Failed to load config.", "path", *configPath, "err", err)
		os.Exit(1)
	}

	if *brickAddr != "" {
		cfg.Brick.Address = *brickAddr
	}
	if *serverAddr != "" {
		cfg.Server.Default = *serverAddr
	}
	if *mqttURL != "" {
		cfg.MQTT.URL = *mqttURL
	}
	if *homekitDir != "" {
		cfg.HomeKit.Dir = *homekitDir
	}
	switch *listen {
	case "":
	case "off":
		cfg.Status.Listen = ""
	default:
		cfg.Status.Listen = *listen
	}
	if *debug {
		cfg.Log.Debug = true
	}

	logger := newLogger(os.Stdout, cfg.Log)
	logger.Info("Starting roberta-connector", "version", versioninfo.Short(), "brick", cfg.Brick.Address, "server", cfg.Server.Default, "debug", cfg.Log.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Stopped with error.", "err", err)
		os.Exit(1)
	}

	logger.Info("Stopping program.")
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	b := NewBridge(BridgeOptions{
		Brick:         NewBrick(cfg.Brick.Address, cfg.Brick.RunStateTimeout),
		DefaultServer: cfg.Server.Default,
		Firmware:      cfg.Bridge.Firmware,
		Interval:      cfg.Bridge.Tick,
	}, logger.With("component", "bridge"))
	if err := b.SetCustomServer(cfg.Server.Custom); err != nil {
		return err
	}

	sinks := Sinks{LogSink{logger: logger.With("component", "sink")}}

	var (
		status  *StatusServer
		homekit *HomeKit
		broker  *MQTT
	)

	if cfg.Status.Listen != "" {
		status = NewStatusServer(b, logger.With("component", "status"))
		sinks = append(sinks, status)
	}
	if cfg.HomeKit.Dir != "" {
		homekit = NewHomeKit(b, cfg.HomeKit.Name, logger.With("component", "homekit"))
		sinks = append(sinks, homekit)
	}
	if cfg.MQTT.URL != "" {
		broker = NewMQTT(b, cfg.MQTT.Topic, logger.With("component", "mqtt"))
		sinks = append(sinks, broker)
	}

	b.SetSink(sinks)

	g, ctx := errgroup.WithContext(ctx)

	if status != nil {
		g.Go(func() error { return status.ListenAndServe(ctx, cfg.Status.Listen) })
	}

	if homekit != nil {
		g.Go(func() error {
			if err := homekit.ListenAndServe(ctx, cfg.HomeKit.Dir); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if broker != nil {
		g.Go(func() error {
			if err := broker.Start(ctx, cfg.MQTT.URL); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			<-ctx.Done()
			return broker.Stop()
		})
	}

	g.Go(func() error { return b.Run(ctx) })

	return g.Wait()
}
