package tryout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/tryout/internal/model"
)

// Start opens a new session for userID on packageID. Paid packages require a purchase.
func (s *Service) Start(ctx context.Context, packageID, userID string) (model.Session, error) {
	if userID == "" {
		return model.Session{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return model.Session{}, err
	}
	if !pkg.Free() {
		ok, err := s.store.HasAccess(ctx, userID, packageID)
		if err != nil {
			return model.Session{}, fmt.Errorf("check access: %w", err)
		}
		if !ok {
			return model.Session{}, ErrNotPurchased
		}
	}
	questions, err := s.store.GetQuestions(ctx, packageID)
	if err != nil {
		return model.Session{}, err
	}
	if len(questions) == 0 {
		return model.Session{}, fmt.Errorf("%w: package %q has no questions", ErrNotFound, packageID)
	}

	now := s.now().UTC()
	sess := model.Session{
		ID:        uuid.NewString(),
		PackageID: packageID,
		UserID:    userID,
		Status:    model.StatusInProgress,
		StartedAt: now,
	}
	if d := pkg.Duration(); d > 0 {
		deadline := now.Add(d)
		sess.Deadline = &deadline
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	slog.Info("started session", "session_id", sess.ID, "package_id", packageID, "user_id", userID)
	return sess, nil
}

// Session returns a session, finalizing it first when its deadline has passed.
func (s *Service) Session(ctx context.Context, sessionID string) (model.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if sess.Expired(s.now()) {
		if _, err := s.Finalize(ctx, sessionID); err != nil {
			return model.Session{}, err
		}
		return s.store.GetSession(ctx, sessionID)
	}
	return sess, nil
}

// Submit records selectedOption for questionID, replacing any earlier answer.
func (s *Service) Submit(ctx context.Context, sessionID, questionID, selectedOption string) (model.Answer, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Answer{}, err
	}
	if sess.Expired(s.now()) {
		if _, err := s.Finalize(ctx, sessionID); err != nil {
			slog.Error("auto-finalize failed", "session_id", sessionID, "error", err)
		}
		return model.Answer{}, ErrSessionExpired
	}
	if sess.Status != model.StatusInProgress {
		return model.Answer{}, ErrSessionCompleted
	}

	questions, err := s.store.GetQuestions(ctx, sess.PackageID)
	if err != nil {
		return model.Answer{}, err
	}
	var question *model.Question
	for i := range questions {
		if questions[i].ID == questionID {
			question = &questions[i]
			break
		}
	}
	if question == nil {
		return model.Answer{}, fmt.Errorf("%w: question %q does not belong to package %q", ErrValidation, questionID, sess.PackageID)
	}
	if _, ok := question.Option(selectedOption); !ok {
		return model.Answer{}, fmt.Errorf("%w: option %q is not valid for question %q", ErrValidation, selectedOption, questionID)
	}

	return s.store.UpsertAnswer(ctx, sessionID, questionID, selectedOption)
}

// Finalize completes the session and records its result. Only the first call
// transitions the session; later calls return the stored result. A scoring
// failure leaves the session in progress.
func (s *Service) Finalize(ctx context.Context, sessionID string) (model.TryoutResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if sess.Status == model.StatusInProgress {
		pkg, questions, err := s.paper(ctx, sess.PackageID)
		if err != nil {
			return model.TryoutResult{}, err
		}
		score := func(sess model.Session, answers []model.Answer) (model.TryoutResult, error) {
			return s.score(pkg, questions, sess, answers)
		}
		var transitioned bool
		sess, transitioned, err = s.store.FinalizeSession(ctx, sessionID, s.now().UTC(), score)
		if err != nil {
			return model.TryoutResult{}, err
		}
		if transitioned {
			slog.Info("finalized session", "session_id", sessionID, "package_id", sess.PackageID)
		}
	}
	return s.recorded(ctx, sess)
}

// recorded returns the stored result of a completed session, scoring it now
// when the store holds none.
func (s *Service) recorded(ctx context.Context, sess model.Session) (model.TryoutResult, error) {
	stored, err := s.store.GetResult(ctx, sess.ID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	slog.Warn("completed session has no result, scoring now", "session_id", sess.ID)
	pkg, questions, err := s.paper(ctx, sess.PackageID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	answers, err := s.store.GetAnswers(ctx, sess.ID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	result, err := s.score(pkg, questions, sess, answers)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if err := s.store.RecordResult(ctx, sess.ID, result); err != nil {
		return model.TryoutResult{}, fmt.Errorf("record result: %w", err)
	}
	stored, err = s.store.GetResult(ctx, sess.ID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if stored == nil {
		return model.TryoutResult{}, fmt.Errorf("%w: result for session %q", ErrNotFound, sess.ID)
	}
	return *stored, nil
}

func (s *Service) paper(ctx context.Context, packageID string) (model.Package, []model.Question, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return model.Package{}, nil, err
	}
	questions, err := s.store.GetQuestions(ctx, packageID)
	if err != nil {
		return model.Package{}, nil, err
	}
	return pkg, questions, nil
}

func (s *Service) score(pkg model.Package, questions []model.Question, sess model.Session, answers []model.Answer) (model.TryoutResult, error) {
	sections, err := s.scorer.SectionResults(pkg.Sections, questions, answers, KeyFor(questions))
	if err != nil {
		return model.TryoutResult{}, err
	}
	result := Aggregate(sections)
	result.SessionID = sess.ID
	result.PackageID = sess.PackageID
	result.UserID = sess.UserID
	result.ComputedAt = s.now().UTC()
	return result, nil
}

// Result returns the recorded result of a finalized session.
func (s *Service) Result(ctx context.Context, sessionID string) (model.TryoutResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if sess.Expired(s.now()) {
		return s.Finalize(ctx, sessionID)
	}
	if sess.Status != model.StatusCompleted {
		return model.TryoutResult{}, ErrSessionInProgress
	}
	stored, err := s.store.GetResult(ctx, sessionID)
	if err != nil {
		return model.TryoutResult{}, err
	}
	if stored == nil {
		return s.Finalize(ctx, sessionID)
	}
	return *stored, nil
}

// SweepExpired finalizes every in-progress session past its deadline.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	finalized := 0
	for _, sess := range expired {
		if _, err := s.Finalize(ctx, sess.ID); err != nil {
			slog.Error("failed to finalize expired session", "session_id", sess.ID, "error", err)
			continue
		}
		finalized++
	}
	return finalized, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				slog.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("finalized expired sessions", "count", n)
			}
		}
	}
}
