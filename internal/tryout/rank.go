package tryout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/tryout/internal/model"
)

// Rank returns the position of userID's finalized attempt scoring totalScore
// among all finalized attempts of packageID.
func (s *Service) Rank(ctx context.Context, packageID, userID string, totalScore float64) (model.Ranking, error) {
	return s.rank(ctx, packageID, func(e rankEntry) bool {
		return e.userID == userID && e.score == totalScore
	})
}

// RankSession ranks one finalized session within its package.
func (s *Service) RankSession(ctx context.Context, sess model.Session) (model.Ranking, error) {
	return s.rank(ctx, sess.PackageID, func(e rankEntry) bool {
		return e.sessionID == sess.ID
	})
}

func (s *Service) rank(ctx context.Context, packageID string, match func(rankEntry) bool) (model.Ranking, error) {
	sessions, err := s.store.ListFinalizedSessions(ctx, packageID)
	if err != nil {
		return model.Ranking{}, err
	}
	entries := rankEntries(sessions)
	if len(entries) == 0 {
		return model.Ranking{}, fmt.Errorf("%w: no finalized sessions for package %q", ErrNotFound, packageID)
	}
	for i, e := range entries {
		if !match(e) {
			continue
		}
		return model.Ranking{
			PackageID:    packageID,
			UserID:       e.userID,
			SessionID:    e.sessionID,
			Position:     i + 1,
			Participants: len(entries),
			Percentile:   percentile(i+1, len(entries)),
		}, nil
	}
	return model.Ranking{}, fmt.Errorf("%w: attempt not among finalized sessions of package %q", ErrNotFound, packageID)
}

// Statistics summarizes finalized scores of packageID.
func (s *Service) Statistics(ctx context.Context, packageID string) (model.Statistics, error) {
	if _, err := s.store.GetPackage(ctx, packageID); err != nil {
		return model.Statistics{}, err
	}
	sessions, err := s.store.ListFinalizedSessions(ctx, packageID)
	if err != nil {
		return model.Statistics{}, err
	}
	var scores []float64
	for _, sess := range sessions {
		if sess.Score != nil {
			scores = append(scores, *sess.Score)
		}
	}
	return computeStatistics(packageID, scores), nil
}

// ResultView is what the rendering layer shows for a finalized session.
type ResultView struct {
	Result          model.TryoutResult `json:"result"`
	Ranking         *model.Ranking     `json:"ranking,omitempty"`
	RankUnavailable bool               `json:"rank_unavailable"`
	Statistics      *model.Statistics  `json:"statistics,omitempty"`
}

// View returns the result of a session together with its ranking and the
// package statistics. A missing ranking degrades to RankUnavailable.
func (s *Service) View(ctx context.Context, sessionID string) (ResultView, error) {
	result, err := s.Result(ctx, sessionID)
	if err != nil {
		return ResultView{}, err
	}
	view := ResultView{Result: result}
	sess := model.Session{ID: result.SessionID, PackageID: result.PackageID, UserID: result.UserID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ranking, err := s.RankSession(gctx, sess)
		if errors.Is(err, ErrNotFound) {
			slog.Warn("rank unavailable", "session_id", sessionID, "error", err)
			view.RankUnavailable = true
			return nil
		}
		if err != nil {
			return err
		}
		view.Ranking = &ranking
		return nil
	})
	g.Go(func() error {
		stats, err := s.Statistics(gctx, result.PackageID)
		if err != nil {
			return err
		}
		view.Statistics = &stats
		return nil
	})
	if err := g.Wait(); err != nil {
		return ResultView{}, err
	}
	return view, nil
}
