package payments

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
)

// MockGateway is a deterministic in-process Gateway for development and
// testing. Given the same idempotency key it always returns the same
// outcome, so task retries observe stable gateway behavior.
type MockGateway struct {
	logger *slog.Logger

	// declineRate is the fraction of charges declined, between 0 and 1.
	declineRate float64

	mu sync.Mutex
	// results replays previous outcomes per idempotency key.
	results map[string]*ChargeResult
	// forced outcomes override the hash decision for specific keys.
	forced map[string]*ChargeResult
}

// NewMockGateway creates a MockGateway that declines roughly declineRate of
// all charges. If logger is nil, a default logger will be used.
func NewMockGateway(declineRate float64, logger *slog.Logger) *MockGateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &MockGateway{
		logger:      logger.With(slog.String("component", "mock_gateway")),
		declineRate: declineRate,
		results:     make(map[string]*ChargeResult),
		forced:      make(map[string]*ChargeResult),
	}
}

// Ensure MockGateway implements the Gateway interface
var _ Gateway = (*MockGateway)(nil)

// Charge implements Gateway.Charge
// The outcome is a pure function of the idempotency key and decline rate,
// except where ForceResult has pinned a specific answer.
func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	log := logger.FromContextOrDefault(ctx, g.logger)

	g.mu.Lock()
	defer g.mu.Unlock()

	if result, ok := g.forced[req.IdempotencyKey]; ok {
		return result, nil
	}
	if result, ok := g.results[req.IdempotencyKey]; ok {
		log.Debug("replaying charge result",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.Bool("approved", result.Approved))
		return result, nil
	}

	result := &ChargeResult{
		ExternalRef: "mock_" + uuid.NewString(),
	}

	if g.decline(req.IdempotencyKey) {
		result.Approved = false
		result.DeclineCode = "card_declined"
		result.DeclineReason = "insufficient funds"
	} else {
		result.Approved = true
	}

	g.results[req.IdempotencyKey] = result

	log.Info("mock charge processed",
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.Int64("amount_cents", req.AmountCents),
		slog.String("currency", req.Currency),
		slog.Bool("approved", result.Approved))
	return result, nil
}

// ForceResult pins the outcome for a specific idempotency key.
// Tests use this to exercise decline and approval paths explicitly.
func (g *MockGateway) ForceResult(idempotencyKey string, result *ChargeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forced[idempotencyKey] = result
}

// decline hashes the key into [0, 1) and compares against the decline rate.
func (g *MockGateway) decline(idempotencyKey string) bool {
	if g.declineRate <= 0 {
		return false
	}
	if g.declineRate >= 1 {
		return true
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(idempotencyKey))
	bucket := float64(h.Sum32()%1000) / 1000.0
	return bucket < g.declineRate
}
