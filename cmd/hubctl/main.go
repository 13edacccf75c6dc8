package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"hubctl/internal/client"
	"hubctl/internal/discovery"
	"hubctl/internal/hub"
	"hubctl/internal/mqtt"
	"hubctl/internal/session"
	"hubctl/internal/store"
	"hubctl/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Hub struct {
		AutoConnect bool   `yaml:"auto_connect"`
		ID          string `yaml:"id"` // preferred hub when several are found
	} `yaml:"hub"`
	Discovery struct {
		ListenAddr   string `yaml:"listen_addr"`
		ScanTimeout  string `yaml:"scan_timeout"`
		SettleWindow string `yaml:"settle_window"`
	} `yaml:"discovery"`
	Transport struct {
		ConnectTimeout    string `yaml:"connect_timeout"`
		RequestTimeout    string `yaml:"request_timeout"`
		KeepaliveInterval string `yaml:"keepalive_interval"`
		ReconnectAttempts int    `yaml:"reconnect_attempts"`
	} `yaml:"transport"`
	Client struct {
		HoldDuration string `yaml:"hold_duration"`
		AutoRetry    bool   `yaml:"auto_retry"`
		MaxRetries   int    `yaml:"max_retries"`
	} `yaml:"client"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	for name, s := range map[string]string{
		"discovery.scan_timeout":       c.Discovery.ScanTimeout,
		"discovery.settle_window":      c.Discovery.SettleWindow,
		"transport.connect_timeout":    c.Transport.ConnectTimeout,
		"transport.request_timeout":    c.Transport.RequestTimeout,
		"transport.keepalive_interval": c.Transport.KeepaliveInterval,
		"client.hold_duration":         c.Client.HoldDuration,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// duration returns the parsed value of s, or zero when unset so the
// package defaults apply. validate() already rejected malformed values.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("hubctl starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	trCfg := transport.Config{
		ConnectTimeout:    duration(cfg.Transport.ConnectTimeout),
		RequestTimeout:    duration(cfg.Transport.RequestTimeout),
		KeepaliveInterval: duration(cfg.Transport.KeepaliveInterval),
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
	}
	clCfg := client.Config{
		HoldDuration: duration(cfg.Client.HoldDuration),
		AutoRetry:    cfg.Client.AutoRetry,
		MaxRetries:   cfg.Client.MaxRetries,
	}

	factory := func(h hub.Hub) session.Controller {
		tr := transport.New(client.URL(h), trCfg, logger)
		return client.New(h, tr, db, clCfg, logger)
	}

	// Verification dials the hub's control port and hangs up again.
	verify := func(ctx context.Context, h hub.Hub) error {
		tr := transport.New(client.URL(h), trCfg, logger)
		if err := tr.Connect(ctx); err != nil {
			return err
		}
		return tr.Disconnect()
	}

	disc := discovery.New(discovery.Config{
		ListenAddr:   cfg.Discovery.ListenAddr,
		ScanTimeout:  duration(cfg.Discovery.ScanTimeout),
		SettleWindow: duration(cfg.Discovery.SettleWindow),
	}, db, verify, logger)

	coord := session.NewCoordinator(disc, factory, logger)
	coord.Subscribe(func(st session.LoadingState) {
		if st.Stage == session.StageError {
			logger.Error("session error", "message", st.Message, "err", st.Err)
			return
		}
		logger.Info("session state", "stage", st.Stage, "progress", st.Progress)
	})

	// Start MQTT bridge
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(coord, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	if cfg.Hub.AutoConnect {
		go connectOnStartup(coord, cfg.Hub.ID, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	if bridge != nil {
		bridge.Stop()
	}
	coord.Disconnect()

	logger.Info("goodbye")
}

// connectOnStartup brings a session up in the background. With a configured
// hub id it connects to that hub specifically; otherwise it relies on
// auto-connect finding exactly one hub.
func connectOnStartup(coord *session.Coordinator, hubID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if hubID == "" {
		if err := coord.AutoConnect(ctx); err != nil {
			logger.Error("auto-connect failed", "err", err)
		}
		return
	}

	hubs, err := coord.Discover(ctx)
	if err != nil {
		logger.Error("startup discovery failed", "err", err)
		return
	}
	for _, h := range hubs {
		if h.ID == hubID {
			if err := coord.Connect(ctx, h); err != nil {
				logger.Error("startup connect failed", "hub", hubID, "err", err)
			}
			return
		}
	}
	logger.Error("configured hub not found", "hub", hubID, "found", len(hubs))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "hubctl.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "hubctl"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
