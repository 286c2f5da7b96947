package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openmach/halbridge/config"
	"github.com/openmach/halbridge/halremote"
	"github.com/openmach/halbridge/internal/api"
	"github.com/openmach/halbridge/internal/bridge"
)

func main() {
	configPath := flag.String("config", "configs/halbridge.yaml", "path to the configuration file")
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logger initialisieren
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully")

	// Pin-Profil laden und Pins erstellen
	profile, err := config.LoadProfile(cfg.Profile)
	if err != nil {
		logger.Fatal("Failed to load pin profile", zap.Error(err))
	}

	pins, err := profile.BuildPins()
	if err != nil {
		logger.Fatal("Failed to build pins", zap.Error(err))
	}

	componentCfg := cfg.Remote.ComponentConfig()
	if profile.Component.Name != "" {
		componentCfg.Name = profile.Component.Name
	}

	logger.Info("Pin profile loaded",
		zap.String("component", componentCfg.Name),
		zap.Int("pins", len(pins)))

	component := halremote.NewRemoteComponent(componentCfg, pins, logger)

	// WebSocket Hub für angeschlossene UIs
	hub := bridge.NewHub(logger)
	go hub.Run()
	wirePinObservers(component, pins, hub, logger)

	hub.SetPinHandler(func(cmd bridge.SetPinCommand) error {
		pin := component.Registry().ByName(cmd.Name)
		if pin == nil {
			return fmt.Errorf("unknown pin: %s", cmd.Name)
		}
		value, err := api.ValueForPin(pin, cmd.Value)
		if err != nil {
			return err
		}
		return pin.SetValue(value)
	})

	// Status API
	server := api.NewServer(cfg.Server.HTTPPort, component, hub, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start status API", zap.Error(err))
	}

	component.Start()
	logger.Info("halbridge started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	component.Stop()
	component.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("halbridge stopped successfully")
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// wirePinObservers mirrors pin and connection events into the log and
// onto the WebSocket hub.
func wirePinObservers(component *halremote.RemoteComponent, pins []*halremote.Pin, hub *bridge.Hub, logger *zap.Logger) {
	for _, pin := range pins {
		pin := pin
		pin.OnValueChanged(func(p *halremote.Pin) {
			logger.Debug("pin value changed",
				zap.String("pin", p.Name()),
				zap.String("value", p.Value().String()))
			hub.Broadcast(bridge.NewPinValueMessage(
				p.Name(), p.Type().String(), p.Value().Interface(), p.Synced()))
		})
		pin.OnSyncedChanged(func(p *halremote.Pin) {
			hub.Broadcast(bridge.NewPinValueMessage(
				p.Name(), p.Type().String(), p.Value().Interface(), p.Synced()))
		})
	}

	var previous halremote.ConnectionState
	component.OnConnectionStateChanged(func(state halremote.ConnectionState) {
		logger.Info("connection state changed",
			zap.Stringer("state", state),
			zap.Stringer("previous", previous))
		hub.Broadcast(bridge.NewConnectionStateMessage(state.String(), previous.String()))
		previous = state
	})

	component.OnConnectionErrorChanged(func(connError halremote.ConnectionError) {
		if connError == halremote.NoError {
			return
		}
		logger.Warn("connection error",
			zap.Stringer("error", connError),
			zap.String("error_string", component.ErrorString()))
		hub.Broadcast(bridge.NewConnectionErrorMessage(connError.String(), component.ErrorString()))
	})
}
