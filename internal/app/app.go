// Package app wires the resource tree, routing engine, snapshot engine,
// and the ambient persistence/backup/reload services into one process
// lifecycle: Hub.New loads configuration and builds every component,
// Start brings up background services, Run blocks until a shutdown
// signal, Stop tears everything down in reverse order. Grounded on the
// log pipeline's internal/app.App (New/initializeComponents/Start/Stop/
// Run), trimmed from its many enterprise subsystems (security, tracing,
// SLO, service discovery, container monitors) down to the handful the
// Data Hub domain actually has: a tree, a router, admin-settings
// persistence, Observation backups, and the config hot-reload watcher.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datahub/internal/config"
	"datahub/internal/eventloop"
	"datahub/internal/observation"
	"datahub/internal/persistence"
	"datahub/internal/routing"
	"datahub/internal/snapshot"
	"datahub/internal/tree"

	"github.com/sirupsen/logrus"
)

// Hub is the running Data Hub: one resource tree, one routing engine, one
// snapshot engine, and the ambient services (persistence, backups, hot
// reload) that keep them durable across restarts.
type Hub struct {
	cfg    *config.Config
	log    *logrus.Logger
	loop   *eventloop.Loop

	Tree     *tree.Tree
	Router   *routing.Engine
	Snapshot *snapshot.Engine

	watermarks *snapshot.WatermarkStore
	persist    *persistence.Store
	backups    *observation.Manager
	reloader   *config.Reloader

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads configFile, builds every component, and replays persisted
// admin settings into the tree, but does not yet start background
// services — call Start for that.
func New(configFile string) (*Hub, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	now := func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
	t := tree.New(now, logger)
	t.SetDeletionTracking(cfg.Tree.DeletionTracking)

	h := &Hub{
		cfg:        cfg,
		log:        logger,
		loop:       eventloop.New(logger),
		Tree:       t,
		Router:     routing.New(t, now, logger),
		Snapshot:   snapshot.New(t, now, logger),
		watermarks: snapshot.NewWatermarkStore(cfg.Snapshot.WatermarkFile, logger),
		persist:    persistence.New(cfg.Persistence, logger),
		backups:    observation.New(cfg.Observation, logger),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.Router.SetBackupSink(h.backups)

	// The persistence store must be brought up (and its records loaded
	// from disk) before replay, so it is started here rather than in
	// Hub.Start, which does not start it again.
	if err := h.persist.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("app: start persistence store: %w", err)
	}
	if err := h.persist.ReplayInto(h.Tree); err != nil {
		cancel()
		return nil, fmt.Errorf("app: replay persisted admin settings: %w", err)
	}

	h.reloader = config.NewReloader(configFile, cfg.Reload, logger)
	h.reloader.SetCallbacks(h.onConfigChanged, h.onConfigError)

	return h, nil
}

// Start brings up every remaining background service: Observation
// backups and the config hot-reload watcher. The persistence store was
// already started in New, since its loaded records had to be replayed
// into the tree before anything else could safely run.
func (h *Hub) Start() error {
	h.log.Info("app: starting Data Hub")

	if err := h.backups.Start(); err != nil {
		return fmt.Errorf("app: start observation backup manager: %w", err)
	}
	if err := h.reloader.Start(); err != nil {
		return fmt.Errorf("app: start config reloader: %w", err)
	}

	h.log.Info("app: Data Hub started")
	return nil
}

// Stop tears down every background service, in the reverse order Start
// brought them up.
func (h *Hub) Stop() {
	h.log.Info("app: stopping Data Hub")
	h.cancel()
	h.loop.Stop()

	h.reloader.Stop()
	h.backups.Stop()
	h.persist.Stop()

	h.log.Info("app: Data Hub stopped")
}

// Run starts the Hub and blocks until SIGINT/SIGTERM, then stops it.
func (h *Hub) Run() error {
	if err := h.Start(); err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		h.log.Info("app: shutdown signal received")
	case <-h.ctx.Done():
	}
	h.Stop()
	return nil
}

// onConfigChanged applies a hot-reloaded configuration. Only the settings
// safe to change without tearing down live state are applied: logging
// level and format. Structural settings
// (persistence directory, observation base dir) require a process
// restart, matching the teacher's own hot-reload scope (it never
// reconfigures an already-open disk buffer's path either).
func (h *Hub) onConfigChanged(cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		h.log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		h.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		h.log.SetFormatter(&logrus.TextFormatter{})
	}
	h.cfg = cfg
	h.log.Info("app: applied reloaded configuration")
}

func (h *Hub) onConfigError(err error) {
	h.log.WithError(err).Warn("app: config reload attempt failed")
}

// Loop exposes the Hub's cooperative event loop for callers (and tests)
// that want to post deferred work rather than block a push handler.
func (h *Hub) Loop() *eventloop.Loop { return h.loop }

// Watermarks exposes the snapshot watermark store backing "-s auto"
// requests.
func (h *Hub) Watermarks() *snapshot.WatermarkStore { return h.watermarks }

// SetAdminSetting applies an override or default to path and mirrors it to
// the persistence store so it survives a restart, the one place the admin
// interface and the disk-backed replay path meet.
func (h *Hub) SetAdminSetting(path string, isOverride bool, setting tree.Setting) (tree.Entry, error) {
	entry, err := h.Tree.SetAdminSetting(path, isOverride, setting)
	if err != nil {
		return entry, err
	}
	if err := h.persist.Record(path, isOverride, setting); err != nil {
		h.log.WithError(err).WithField("path", path).Warn("app: admin setting applied but could not be persisted")
	}
	return entry, nil
}

// ClearAdminSetting removes a previously set override or default from
// both the tree and the persistence store.
func (h *Hub) ClearAdminSetting(path string, isOverride bool) (tree.Entry, error) {
	entry, err := h.Tree.SetAdminSetting(path, isOverride, tree.Setting{})
	if err != nil {
		return entry, err
	}
	h.persist.Forget(path, isOverride)
	return entry, nil
}
