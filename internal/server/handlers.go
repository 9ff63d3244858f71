package server

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"freefall/internal/engine"
	"freefall/internal/game"
	"freefall/internal/ledger"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"game": fiber.Map{
			"running":           s.orchestrator.IsRunning(),
			"connected_clients": s.hub.ClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// statusFor maps the typed error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var transferErr *ledger.TransferError
	switch {
	case errors.Is(err, ledger.ErrNotAuthorized):
		return fiber.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidBet):
		return fiber.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyBet),
		errors.Is(err, ledger.ErrCannotCashout),
		errors.Is(err, game.ErrRoundAlreadyStarted):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrGameNotStarted),
		errors.Is(err, game.ErrRoundNotActive):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &transferErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusBadRequest
	}
}

func errJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

// Game handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	round, ok := s.orchestrator.CurrentRound()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(round)
}

type betRequest struct {
	UserID      string  `json:"user_id"`
	Amount      int64   `json:"amount"`
	AutoCashout float64 `json:"auto_cashout,omitempty"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req betRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	bet, err := s.orchestrator.PlaceBet(req.UserID, req.Amount, req.AutoCashout)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"bet":     bet,
		"balance": s.ledger.GetBalance(req.UserID),
	})
}

type betActionRequest struct {
	UserID string `json:"user_id"`
	BetID  string `json:"bet_id"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req betActionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID and Bet ID are required",
		})
	}

	bet, err := s.orchestrator.Cashout(req.BetID, req.UserID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"bet":     bet,
		"balance": s.ledger.GetBalance(req.UserID),
	})
}

func (s *FiberServer) cancelBetHandler(c *fiber.Ctx) error {
	var req betActionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID and Bet ID are required",
		})
	}

	bet, err := s.orchestrator.CancelBet(req.BetID, req.UserID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"bet":     bet,
		"balance": s.ledger.GetBalance(req.UserID),
	})
}

func (s *FiberServer) getTotalVolumeHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"total_volume": s.ledger.GetTotalVolume()})
}

// Round handlers

func (s *FiberServer) getRecentRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	return c.JSON(fiber.Map{"rounds": s.orchestrator.RecentRounds(limit)})
}

func (s *FiberServer) getRoundCountHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"count": s.orchestrator.RoundCount()})
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	id, err := parseRoundID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid round id"})
	}
	round, ok := s.orchestrator.GetRound(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Round not found"})
	}
	return c.JSON(round)
}

func (s *FiberServer) getRoundBetsHandler(c *fiber.Ctx) error {
	id, err := parseRoundID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid round id"})
	}
	return c.JSON(fiber.Map{"round_id": id, "bets": s.ledger.GetRoundBets(id)})
}

func (s *FiberServer) getActiveBetsCountHandler(c *fiber.Ctx) error {
	id, err := parseRoundID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid round id"})
	}
	return c.JSON(fiber.Map{"round_id": id, "active_bets": s.ledger.GetActiveBetsCount(id)})
}

// User handlers

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": s.ledger.GetBalance(userID),
	})
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	balance, err := s.ledger.Deposit(c.Context(), userID, req.Amount)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

func (s *FiberServer) withdrawHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	balance, err := s.ledger.Withdraw(c.Context(), userID, req.Amount)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

func (s *FiberServer) getUserBetsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	limit := c.QueryInt("limit", 20)
	return c.JSON(fiber.Map{"user_id": userID, "bets": s.ledger.GetUserBets(userID, limit)})
}

func (s *FiberServer) getBetHandler(c *fiber.Ctx) error {
	bet, ok := s.ledger.GetBet(c.Params("betId"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Bet not found"})
	}
	return c.JSON(bet)
}

// Fairness handlers

func (s *FiberServer) getGenerationStatsHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.Stats())
}

// verifySeedHandler reveals the entropy for a finished round so players can
// recompute its crash point. Seeds for rounds still in play stay hidden;
// revealing one early would expose the committed crash point.
func (s *FiberServer) verifySeedHandler(c *fiber.Ctx) error {
	id, err := parseRoundID(c.Params("roundId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid round id"})
	}

	if round, ok := s.orchestrator.GetRound(id); ok {
		if round.Phase != game.PhaseCrashed && round.Phase != game.PhaseCompleted {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Round is still in play",
			})
		}
	}

	seed, ok := s.engine.VerifySeed(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Seed no longer retained",
		})
	}

	crashPoint, err := engine.RecomputeCrashPoint(seed.Entropy)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"round_id":    seed.RoundID,
		"entropy":     seed.Entropy,
		"crash_point": crashPoint,
	})
}

// Admin handlers

func (s *FiberServer) adminStartHandler(c *fiber.Ctx) error {
	started := s.orchestrator.Start()
	return c.JSON(fiber.Map{"running": true, "started": started})
}

type trimRequest struct {
	Keep int `json:"keep"`
}

func (s *FiberServer) adminTrimSeedsHandler(c *fiber.Ctx) error {
	var req trimRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	evicted := s.engine.TrimHistory(req.Keep)
	return c.JSON(fiber.Map{"evicted": evicted})
}

// WebSocket handler

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	log.Printf("[WS] New connection from user: %s", userID)

	client := s.hub.RegisterClient(conn, userID)

	if round, ok := s.orchestrator.CurrentRound(); ok {
		client.Send(game.Event{Type: "initial_state", Data: round})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.hub.UnregisterClient(client)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleWSMessage(client, userID, message)
	}
}

type wsRequest struct {
	Type        string  `json:"type"`
	Amount      int64   `json:"amount,omitempty"`
	AutoCashout float64 `json:"auto_cashout,omitempty"`
	BetID       string  `json:"bet_id,omitempty"`
}

func (s *FiberServer) handleWSMessage(client *game.Client, userID string, message []byte) {
	var req wsRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return
	}

	switch req.Type {
	case "place_bet":
		bet, err := s.orchestrator.PlaceBet(userID, req.Amount, req.AutoCashout)
		client.Send(wsResult("bet_result", bet, err))

	case "cashout":
		bet, err := s.orchestrator.Cashout(req.BetID, userID)
		client.Send(wsResult("cashout_result", bet, err))

	case "ping":
		client.Send(game.Event{Type: "pong"})
	}
}

func wsResult(eventType string, bet ledger.Bet, err error) game.Event {
	if err != nil {
		return game.Event{Type: eventType, Data: fiber.Map{"error": err.Error()}}
	}
	return game.Event{Type: eventType, Data: bet}
}

func parseRoundID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}
