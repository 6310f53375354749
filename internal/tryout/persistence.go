package tryout

import (
	"context"
	"time"

	"github.com/pavelanni/tryout/internal/model"
)

// Persistence stores packages, sessions, answers and results.
//
// Implementations translate missing rows into ErrNotFound. UpsertAnswer must
// check that the session is in progress inside the same transaction as the
// write and fail with ErrInvalidState otherwise. FinalizeSession must be a
// single conditional update stamped with submittedAt; it reports whether this
// call performed the transition. When it does and score is not nil, the
// session's answers are read, scored and recorded in the same transaction,
// and a scoring error rolls the transition back. RecordResult keeps the first
// result recorded for a session.
type Persistence interface {
	GetPackage(ctx context.Context, id string) (model.Package, error)
	GetQuestions(ctx context.Context, packageID string) ([]model.Question, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	UpsertAnswer(ctx context.Context, sessionID, questionID, selectedOption string) (model.Answer, error)
	FinalizeSession(ctx context.Context, id string, submittedAt time.Time, score ScoreFunc) (model.Session, bool, error)
	ListFinalizedSessions(ctx context.Context, packageID string) ([]model.Session, error)
	RecordResult(ctx context.Context, sessionID string, result model.TryoutResult) error

	CreateSession(ctx context.Context, sess model.Session) error
	GetAnswers(ctx context.Context, sessionID string) ([]model.Answer, error)
	GetResult(ctx context.Context, sessionID string) (*model.TryoutResult, error)
	HasAccess(ctx context.Context, userID, packageID string) (bool, error)
	ListExpiredSessions(ctx context.Context, now time.Time) ([]model.Session, error)
}

// ScoreFunc computes the result of a completed session from its answers.
// It runs inside the finalize transaction and must not call the store.
type ScoreFunc func(sess model.Session, answers []model.Answer) (model.TryoutResult, error)
