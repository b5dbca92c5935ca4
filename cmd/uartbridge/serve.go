package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kabili207/uartbridge-go/core/auth"
	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/kabili207/uartbridge-go/device/registry"
	"github.com/kabili207/uartbridge-go/device/uart"
	"github.com/kabili207/uartbridge-go/transport"
	"github.com/kabili207/uartbridge-go/transport/mqtt"
	"github.com/kabili207/uartbridge-go/transport/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Run the bridge: open the configured serial devices on demand and accept
clients on the WebSocket endpoint. When mqtt.broker is set, clients can also
reach the ports through {topic_prefix}/{clientID}/tx.

Example usage:
  uartbridge serve
  uartbridge serve --listen :9000 --config /etc/uartbridge.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default :8080)")
	serveCmd.Flags().String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker"))
}

// serve runs the bridge until ctx is cancelled.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	specs, devices := cfg.portSpecs()
	for _, s := range specs {
		if _, ok := devices[s.Channel]; !ok {
			logger.Warn("no device configured, opens will fail", "port", s.Name, "channel", s.Channel)
		}
	}

	drv := uart.New(uart.Config{Devices: devices, Logger: logger})
	defer func() {
		if err := drv.Close(); err != nil {
			logger.Warn("closing serial devices", "error", err)
		}
	}()

	reg := registry.FromSpecs(specs, drv, port.Config{}, logger)
	defer reg.Shutdown()

	store, err := auth.NewStore(cfg.Auth.Users)
	if err != nil {
		return fmt.Errorf("auth.users: %w", err)
	}
	var authn transport.Authenticator
	if store.Enabled() {
		authn = store
		logger.Info("login required", "users", store.Count())
	}

	onState := func(t transport.Transport, e transport.Event) {
		logger.Debug("transport event", "event", e.String(), "sessions", t.SessionCount())
	}

	ws := websocket.New(websocket.Config{
		Addr:         cfg.Listen,
		Path:         cfg.WSPath,
		Ports:        reg,
		Auth:         authn,
		SendQueue:    cfg.SendQueue,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
	ws.SetStateHandler(onState)
	if err := ws.Start(ctx); err != nil {
		return err
	}
	defer ws.Stop()
	logger.Info("bridge listening", "addr", ws.Addr(), "path", cfg.WSPath, "ports", reg.Names())

	if cfg.MQTT.Broker != "" {
		br := mqtt.New(mqtt.Config{
			Broker:       cfg.MQTT.Broker,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			UseTLS:       cfg.MQTT.TLS,
			ClientID:     cfg.MQTT.ClientID,
			TopicPrefix:  cfg.MQTT.TopicPrefix,
			Ports:        reg,
			IdleTimeout:  cfg.MQTT.IdleTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       logger,
		})
		br.SetStateHandler(onState)
		if err := br.Start(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer br.Stop()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
