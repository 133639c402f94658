package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"abodebridge/internal/api"
	"abodebridge/internal/config"
	"abodebridge/internal/socketio"
	"abodebridge/pkg/bridge"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	username := os.Getenv("ABODE_USERNAME")
	password := os.Getenv("ABODE_PASSWORD")
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "abode_config.yaml"
	}

	if username == "" || password == "" {
		logger.Fatal("ABODE_USERNAME and ABODE_PASSWORD environment variables must be set")
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Abode bridge",
		zap.Int("polling_interval", cfg.PollingInterval),
		zap.Bool("enable_events", cfg.EnableEvents))

	b, err := bridge.New(bridge.Config{
		Username:         username,
		Password:         password,
		BaseURL:          cfg.BaseURL,
		RequestTimeout:   cfg.RequestTimeoutDuration(),
		RetryCount:       cfg.RetryCount,
		CacheTTL:         cfg.CacheTTLDuration(),
		DefaultAlarmMode: cfg.DefaultAlarmMode,
	}, bridge.Options{
		Transport: socketio.Options{
			HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bridge", zap.Error(err))
	}

	ctx := context.Background()

	if err := b.Login(ctx); err != nil {
		logger.Fatal("Failed to log in to Abode", zap.Error(err))
	}

	displayDevices(ctx, b, logger)

	if cfg.EnableEvents {
		subscribeToEvents(b, cfg.EventGroups, logger)
		if err := b.StartEvents(); err != nil {
			logger.Fatal("Failed to start event listener", zap.Error(err))
		}
	}

	// Periodic full refresh, in case push events are missed
	stopPolling := make(chan struct{})
	go pollDevices(ctx, b, cfg.PollingDuration(), stopPolling, logger)

	var diagnostics *api.Server
	if cfg.APIPort > 0 {
		diagnostics = api.NewServer(b.Client, b.Events, logger, cfg.APIPort)
		if err := diagnostics.Start(); err != nil {
			logger.Error("Failed to start diagnostics server", zap.Error(err))
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	close(stopPolling)
	if diagnostics != nil {
		if err := diagnostics.Stop(); err != nil {
			logger.Warn("Diagnostics server shutdown failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Stop(shutdownCtx)
}

func displayDevices(ctx context.Context, b *bridge.Bridge, logger *zap.Logger) {
	devices, err := b.Client.GetDevices(ctx)
	if err != nil {
		logger.Error("Failed to fetch devices", zap.Error(err))
		return
	}

	logger.Info("=== Devices ===", zap.Int("count", len(devices)))
	for _, device := range devices {
		logger.Info(fmt.Sprintf("  %s (%s): %s", device.Name, device.Type, device.Status),
			zap.String("device_id", device.ID),
			zap.Bool("battery_low", device.BatteryLow()))
	}

	alarm, err := b.Client.GetAlarm(ctx)
	if err != nil {
		logger.Error("Failed to fetch alarm", zap.Error(err))
		return
	}
	logger.Info(fmt.Sprintf("  Alarm mode: %s", alarm.Mode))
}

func subscribeToEvents(b *bridge.Bridge, groups []string, logger *zap.Logger) {
	for _, name := range groups {
		group := bridge.Group(name)
		_, err := b.Events.AddEventCallback(group, func(event bridge.TimelineEvent) {
			logger.Info("Timeline event",
				zap.String("group", string(group)),
				zap.String("event_code", event.EventCode),
				zap.String("event_name", event.EventName),
				zap.String("device", event.DeviceName))
		})
		if err != nil {
			logger.Error("Failed to subscribe to event group",
				zap.String("group", name),
				zap.Error(err))
		}
	}

	b.Events.AddConnectionStatusCallback("main", func(connected bool) {
		if connected {
			logger.Info("Event stream connected")
		} else {
			logger.Warn("Event stream disconnected")
		}
	})
}

func pollDevices(ctx context.Context, b *bridge.Bridge, interval time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.Client.RefreshDevices(ctx); err != nil {
				logger.Warn("Polling refresh failed", zap.Error(err))
			}
		}
	}
}
