package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexexpression/internal/bus"
	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/config"
	"github.com/normanking/cortexexpression/internal/intent"
	"github.com/normanking/cortexexpression/internal/logging"
	"github.com/normanking/cortexexpression/internal/metrics"
	"github.com/normanking/cortexexpression/internal/server"
	"github.com/normanking/cortexexpression/internal/session"
	"github.com/normanking/cortexexpression/internal/settings"
	"github.com/normanking/cortexexpression/internal/sink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the expression daemon",
	RunE:  runServe,
}

// daemon is every long-lived component of a running server.
type daemon struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	hub     *sink.Hub
	session *session.Session
	server  *server.Server
	intent  *intent.Client
	store   *settings.ViperStore
	watcher *settings.Watcher
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Log.Level = logging.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logs, err := logging.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Close()

	d, err := newDaemon(cfg, logs)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Start() }()
	d.start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		d.logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			d.stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.stop(ctx)
	d.logger.Info().Msg("Shutdown complete")
	return nil
}

// newDaemon wires the components without starting anything.
func newDaemon(cfg *config.Config, logs *logging.Logger) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logs.Component("daemon"),
		metrics: metrics.New(),
	}

	classifier := channel.NewClassifier()
	if cfg.Channels.Overrides != "" {
		n, err := classifier.LoadOverridesFile(cfg.Channels.Overrides)
		if err != nil {
			return nil, err
		}
		d.logger.Info().Int("count", n).Str("path", cfg.Channels.Overrides).Msg("Loaded channel overrides")
	}

	hubOpts := sink.HubOptions{
		Logger:  logs.Component("sink"),
		Clients: d.metrics.RendererClients,
	}
	if cfg.Model.Path != "" {
		model, err := sink.LoadGLTFChannels(cfg.Model.Path)
		if err != nil {
			return nil, err
		}
		hubOpts.Model = model
		d.logger.Info().Int("channels", len(model)).Str("path", cfg.Model.Path).Msg("Loaded model morph targets")
	}
	d.hub = sink.NewHub(hubOpts)

	var store settings.Store
	if cfg.Settings.Path != "" {
		vs, err := settings.OpenViperStore(cfg.Settings.Path)
		if err != nil {
			return nil, err
		}
		d.store = vs
		store = vs
	}

	s, err := session.New(session.Options{
		Config:     cfg,
		Sink:       d.hub,
		Classifier: classifier,
		Store:      store,
		Bus:        bus.NewEventBus(),
		Metrics:    d.metrics,
		Logger:     logs.Component("session"),
	})
	if err != nil {
		return nil, err
	}
	d.session = s

	if cfg.Intent.URL != "" {
		d.intent = intent.NewClient(cfg.Intent.URL, s, intent.Options{
			ReconnectDelay:    cfg.Intent.ReconnectDelay,
			MaxReconnectDelay: cfg.Intent.MaxReconnectDelay,
			Logger:            logs.Component("intent"),
			OnConnect: func() {
				s.Bus().Publish(bus.Event{
					Type:    bus.EventTypeSourceConnected,
					Session: s.ID(),
					At:      time.Now(),
					Data:    map[string]any{"url": cfg.Intent.URL},
				})
			},
			OnDisconnect: func(err error) {
				data := map[string]any{"url": cfg.Intent.URL}
				if err != nil {
					data["error"] = err.Error()
				}
				s.Bus().Publish(bus.Event{
					Type:    bus.EventTypeSourceDisconnected,
					Session: s.ID(),
					At:      time.Now(),
					Data:    data,
				})
			},
		})
	}

	d.server = server.New(cfg.Server, s, d.hub, d.metrics, logs.Component("server"))

	events := logs.Component("events")
	s.Bus().SubscribeAll(func(e bus.Event) {
		events.Debug().Str("type", string(e.Type)).Interface("data", e.Data).Msg("Event")
	})
	return d, nil
}

func (d *daemon) start(ctx context.Context) {
	d.session.Start()
	if d.intent != nil {
		d.intent.Connect(ctx)
	}
	if d.store != nil && d.cfg.Settings.Watch {
		w, err := settings.Watch(d.store, d.logger, func(*settings.ViperStore) {
			if err := d.session.ReloadIdleConfiguration(); err != nil {
				d.logger.Warn().Err(err).Msg("Rejected reloaded idle configuration")
			}
		})
		if err != nil {
			d.logger.Warn().Err(err).Msg("Settings watch disabled")
		} else {
			d.watcher = w
		}
	}
	d.logger.Info().Str("session", d.session.ID()).Msg("Expression session started")
}

func (d *daemon) stop(ctx context.Context) {
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.intent != nil {
		d.intent.Disconnect()
	}
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	d.session.Stop()
	d.hub.Close()
}
