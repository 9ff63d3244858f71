package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"freefall/internal/cache"
	"freefall/internal/config"
	"freefall/internal/database"
	"freefall/internal/engine"
	"freefall/internal/game"
	"freefall/internal/ledger"
	"freefall/internal/stats"
	"freefall/internal/token"
)

type FiberServer struct {
	*fiber.App

	cfg          config.Config
	db           database.Service
	cache        cache.Service
	engine       *engine.Engine
	ledger       *ledger.Ledger
	orchestrator *game.Orchestrator
	hub          *game.Hub
}

func New() *FiberServer {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[SERVER] Config: %v", err)
	}

	db := database.New()
	redisService := cache.New()

	var betStore *ledger.Store
	var roundStore *game.RoundStore
	if db != nil {
		betStore = ledger.NewStore(db.Pool())
		roundStore = game.NewRoundStore(db.Pool())
	}

	var snapshots *game.SnapshotStore
	if redisService != nil {
		snapshots = game.NewSnapshotStore(redisService.GetClient())
	}

	tokens := token.NewHTTPClient(cfg.TokenLedgerURL)
	wagers := ledger.New(tokens, cfg.CustodyAccount, betStore)

	var recorder stats.Recorder = stats.Noop{}
	if cfg.StatsURL != "" {
		recorder = stats.NewHTTPRecorder(cfg.StatsURL)
	}

	eng := engine.New(nil)
	hub := game.NewHub()
	orchestrator := game.NewOrchestrator(game.Config{
		BettingWindow: cfg.BettingWindow,
		Countdown:     cfg.Countdown,
		TickInterval:  cfg.TickInterval,
		RoundPause:    cfg.RoundPause,
		RecentRounds:  cfg.RecentRounds,
	}, eng, wagers, recorder, hub, snapshots, roundStore)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "freefall",
			AppName:       "freefall",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:          cfg,
		db:           db,
		cache:        redisService,
		engine:       eng,
		ledger:       wagers,
		orchestrator: orchestrator,
		hub:          hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	if cfg.AutoStart {
		orchestrator.Start()
	}

	return server
}

// Port is the configured listen port.
func (s *FiberServer) Port() int {
	return s.cfg.Port
}

// Shutdown stops the game loop and closes connections. The last snapshot
// written by the loop is what a restart recovers from.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.orchestrator != nil {
		s.orchestrator.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return s.App.Shutdown()
}
