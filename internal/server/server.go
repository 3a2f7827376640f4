package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/sessionbox/internal/api"
	"github.com/itstheanurag/sessionbox/internal/config"
	"github.com/itstheanurag/sessionbox/internal/database"
	"github.com/itstheanurag/sessionbox/internal/executor"
	"github.com/itstheanurag/sessionbox/internal/journal"
	"github.com/itstheanurag/sessionbox/internal/languages"
	"github.com/itstheanurag/sessionbox/internal/limiter"
	"github.com/itstheanurag/sessionbox/internal/reaper"
	"github.com/itstheanurag/sessionbox/internal/sandbox"
	"github.com/itstheanurag/sessionbox/internal/session"
)

const limiterCleanupInterval = 5 * time.Minute

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	docker      *sandbox.DockerSandbox
	runtime     sandbox.Runtime
	registry    *session.Registry
	journal     journal.Recorder
	reaper      *reaper.Reaper
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	profiles := languages.NewRegistry()
	lang, err := profiles.Get(conf.Session.Profile)
	if err != nil {
		return nil, fmt.Errorf("session.profile %q (available: %s): %w",
			conf.Session.Profile, strings.Join(profiles.IDs(), ", "), err)
	}
	if conf.Session.Image != "" {
		lang.Config.Image = conf.Session.Image
	}

	docker, err := sandbox.NewDockerSandbox(sandbox.Config{
		Image:           lang.Config.Image,
		RunCommand:      lang.Config.RunCommand,
		Workdir:         lang.Config.Workdir,
		MemoryLimitMb:   conf.Sandbox.MemoryLimitMb,
		PidsLimit:       conf.Sandbox.PidsLimit,
		WorkspaceSizeMb: conf.Sandbox.WorkspaceSizeMb,
		NetworkDisabled: conf.Sandbox.NetworkDisabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	rt := sandbox.Instrument(docker)

	var (
		db  *database.Database
		rec = journal.Nop
	)
	if conf.Db.Enabled {
		db, err = database.New(conf, logger)
		if err != nil {
			_ = docker.Close()
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		rec = db
	}

	registry := session.NewRegistry(rt, session.WithLogger(logger))
	exec := executor.NewExecutor(registry, rt, lang, executor.Config{
		ExecTimeout: conf.Session.ExecTimeout,
		Journal:     rec,
	}, logger)
	rp := reaper.New(registry, rt, reaper.Config{
		IdleTimeout:  conf.Session.IdleTimeout,
		ScanInterval: conf.Session.ScanInterval,
		Journal:      rec,
	}, logger)

	rl := limiter.NewRateLimiter(
		conf.Limiter.GlobalRPS,
		conf.Limiter.PerClientRPS,
		conf.Limiter.PerClientBurst,
		conf.Limiter.MaxConcurrent,
	)

	handler := api.NewHandler(exec, registry, rp, logger)

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      api.NewRouter(handler, rl.Middleware),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	logger.Info().
		Str("profile", lang.ID).
		Strs("available_profiles", profiles.IDs()).
		Str("image", lang.Config.Image).
		Bool("journal", db != nil).
		Msg("server configured")

	return &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		db:          db,
		docker:      docker,
		runtime:     rt,
		registry:    registry,
		journal:     rec,
		reaper:      rp,
		rateLimiter: rl,
	}, nil
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	if err := s.docker.EnsureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure docker image: %w", err)
	}

	// containers left behind by a previous process are not in the registry
	// and would never be reclaimed
	if n, err := s.docker.PruneOrphans(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune orphaned environments")
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("pruned orphaned environments")
	}

	s.reaper.Start()
	s.rateLimiter.StartCleanup(ctx, limiterCleanupInterval)

	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	s.reaper.Stop(ctx)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	}

	n := reclaimAll(ctx, s.registry, s.runtime, s.journal, s.logger)
	s.logger.Info().Int("count", n).Msg("reclaimed environments on shutdown")

	if s.db != nil {
		_ = s.db.Close()
	}
	return s.docker.Close()
}
