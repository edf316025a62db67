package main

import (
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	server "kitchen-sync/server"
	"kitchen-sync/server/internal/discovery"
	"kitchen-sync/server/internal/engine"
	"kitchen-sync/server/internal/engine/gridworld"
	"kitchen-sync/server/internal/trajectory"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("KITCHEN_SYNC_CONFIG")
	}
	cfg := server.DefaultConfig()
	if path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			logrus.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	log := newLogger(cfg)

	store, err := newStore(cfg, log)
	if err != nil {
		log.Fatalf("trajectory store: %v", err)
	}

	kinds := gameKinds()
	hub := server.NewHub(cfg, kinds, store, log)

	deregister := func() error { return nil }
	if cfg.Consul.Address != "" {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = k.Name
		}
		deregister, err = discovery.Register(discovery.Registration{
			Address:     cfg.Consul.Address,
			ServiceName: cfg.Consul.ServiceName,
			ServiceID:   cfg.Consul.ServiceID,
			ServiceIP:   cfg.Consul.AdvertiseIP,
			ServicePort: cfg.Server.Port,
			GameNames:   names,
		})
		if err != nil {
			log.Fatalf("consul registration: %v", err)
		}
		log.WithField("service", cfg.Consul.ServiceID).Info("registered with consul")
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("shutting down, force-ending all sessions")
		hub.Shutdown()
		if err := deregister(); err != nil {
			log.WithError(err).Warn("consul deregistration failed")
		}
		os.Exit(0)
	}()

	log.WithField("addr", cfg.Addr()).Info("server listening")
	if err := http.ListenAndServe(cfg.Addr(), server.NewMux(hub)); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// newLogger configures logrus with the level and optional file sink from
// config.
func newLogger(cfg server.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Logger.File != "" {
		file, err := os.OpenFile(cfg.Logger.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			log.WithError(err).Warn("could not open log file, logging to stdout only")
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, file))
		}
	}
	return log
}

// newStore picks the trajectory backend: Redis when configured, otherwise a
// local directory, otherwise none.
func newStore(cfg server.Config, log *logrus.Logger) (trajectory.Store, error) {
	if cfg.Trajectory.Redis.Address != "" {
		log.WithField("addr", cfg.Trajectory.Redis.Address).Info("persisting trajectories to redis")
		return trajectory.NewRedisStore(
			cfg.Trajectory.Redis.Address,
			cfg.Trajectory.Redis.Password,
			cfg.Trajectory.Redis.DB,
		), nil
	}
	if cfg.Trajectory.Dir != "" {
		log.WithField("dir", cfg.Trajectory.Dir).Info("persisting trajectories to disk")
		return trajectory.NewFileStore(cfg.Trajectory.Dir)
	}
	return nil, nil
}

// gameKinds lists the variants this binary serves, all backed by the
// built-in gridworld engine.
func gameKinds() []engine.Kind {
	return []engine.Kind{
		{
			Name:         "gridworld",
			Players:      2,
			TickInterval: 150 * time.Millisecond,
			TimeLimit:    60 * time.Second,
			Rounds:       1,
			ResetPause:   3 * time.Second,
			JoinCreates:  true,
			New: func(params engine.Params) (engine.Game, error) {
				return gridworld.New(2, params)
			},
		},
		{
			Name:         "gridworld_solo",
			Players:      1,
			TickInterval: 150 * time.Millisecond,
			TimeLimit:    20 * time.Second,
			Rounds:       3,
			ResetPause:   time.Second,
			JoinCreates:  true,
			New: func(params engine.Params) (engine.Game, error) {
				return gridworld.New(1, params)
			},
		},
	}
}
