package tryout

import (
	"fmt"
	"time"

	"github.com/pavelanni/tryout/internal/model"
)

var (
	// ErrNotPurchased is returned when a paid package is started without a purchase.
	ErrNotPurchased = fmt.Errorf("%w: package not purchased", ErrInvalidState)
	// ErrSessionCompleted is returned when a finalized session is mutated.
	ErrSessionCompleted = fmt.Errorf("%w: session already completed", ErrInvalidState)
	// ErrSessionExpired is returned when a session is mutated past its deadline.
	ErrSessionExpired = fmt.Errorf("%w: session time limit exceeded", ErrInvalidState)
	// ErrSessionInProgress is returned when a result is requested before finalize.
	ErrSessionInProgress = fmt.Errorf("%w: session not finalized", ErrInvalidState)
)

// Service collects answers, finalizes sessions and ranks results.
type Service struct {
	store  Persistence
	scorer *Scorer
	now    func() time.Time
}

// NewService creates a Service backed by p.
func NewService(p Persistence, cfg model.ServiceConfig) *Service {
	return &Service{
		store:  p,
		scorer: NewScorer(cfg.ScoringMode),
		now:    time.Now,
	}
}

// Scorer returns the scorer used for finalization.
func (s *Service) Scorer() *Scorer {
	return s.scorer
}
