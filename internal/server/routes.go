package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	// Game
	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Post("/game/cancel", s.cancelBetHandler)
	api.Get("/game/volume", s.getTotalVolumeHandler)

	// Rounds
	api.Get("/rounds", s.getRecentRoundsHandler)
	api.Get("/rounds/count", s.getRoundCountHandler)
	api.Get("/rounds/:id", s.getRoundHandler)
	api.Get("/rounds/:id/bets", s.getRoundBetsHandler)
	api.Get("/rounds/:id/active-bets", s.getActiveBetsCountHandler)

	// Users and bets
	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Post("/user/:userId/deposit", s.depositHandler)
	api.Post("/user/:userId/withdraw", s.withdrawHandler)
	api.Get("/user/:userId/bets", s.getUserBetsHandler)
	api.Get("/bets/:betId", s.getBetHandler)

	// Fairness
	api.Get("/fair/stats", s.getGenerationStatsHandler)
	api.Get("/fair/seed/:roundId", s.verifySeedHandler)

	// Admin
	api.Post("/admin/start", s.adminStartHandler)
	api.Post("/admin/seeds/trim", s.adminTrimSeedsHandler)

	// WebSocket
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}
