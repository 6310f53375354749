package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type userIDCtxKey struct{}

// ContextWithUserID stores the caller's user ID in the request context.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDCtxKey{}, userID)
}

// UserIDFromContext retrieves the caller's user ID from context, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDCtxKey{}).(string)
	return id
}

// SessionStatus represents the status of a tryout session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

// Section is a named subdivision of a package.
type Section struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Package is a purchasable bundle of sections and questions.
type Package struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Sections        []Section       `json:"sections"`
	DurationMinutes int             `json:"duration_minutes"`
	Price           decimal.Decimal `json:"price"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Free reports whether the package can be attempted without a purchase.
func (p Package) Free() bool {
	return !p.Price.IsPositive()
}

// Duration returns the session time limit, or 0 for untimed packages.
func (p Package) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

// Option is one selectable answer of a question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	// Points overrides binary scoring when the scorer runs with option weights.
	Points *float64 `json:"points,omitempty"`
}

// Question belongs to a package section.
type Question struct {
	ID            string   `json:"id"`
	PackageID     string   `json:"package_id"`
	Section       string   `json:"section"`
	Position      int      `json:"position"`
	Content       string   `json:"content"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"-"`
	Points        float64  `json:"points"`
}

// Option returns the option with the given key.
func (q Question) Option(key string) (Option, bool) {
	for _, o := range q.Options {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// Session is one attempt at a package by a user.
type Session struct {
	ID          string        `json:"id"`
	PackageID   string        `json:"package_id"`
	UserID      string        `json:"user_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Deadline    *time.Time    `json:"deadline,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	Score       *float64      `json:"score,omitempty"`
}

// Expired reports whether an in-progress session has run past its deadline.
func (s Session) Expired(now time.Time) bool {
	return s.Status == StatusInProgress && s.Deadline != nil && !now.Before(*s.Deadline)
}

// Answer is the selected option for one question within a session.
type Answer struct {
	SessionID      string    `json:"session_id"`
	QuestionID     string    `json:"question_id"`
	SelectedOption string    `json:"selected_option"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SectionResult is the derived score of one section.
type SectionResult struct {
	Section    string  `json:"section"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Percentage float64 `json:"percentage"`
}

// TryoutResult aggregates the section results of a finalized session.
type TryoutResult struct {
	SessionID  string          `json:"session_id"`
	PackageID  string          `json:"package_id"`
	UserID     string          `json:"user_id"`
	Sections   []SectionResult `json:"sections"`
	Score      float64         `json:"score"`
	MaxScore   float64         `json:"max_score"`
	Percentage float64         `json:"percentage"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Ranking is a user's position among all finalized attempts of a package.
type Ranking struct {
	PackageID    string  `json:"package_id"`
	UserID       string  `json:"user_id"`
	SessionID    string  `json:"session_id"`
	Position     int     `json:"position"`
	Participants int     `json:"participants"`
	Percentile   float64 `json:"percentile"`
}

// Statistics summarizes finalized scores of a package.
type Statistics struct {
	PackageID    string  `json:"package_id"`
	Participants int     `json:"participants"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
}

// ScoringMode selects how a question awards points.
type ScoringMode string

const (
	// ScoringBinary awards the question's points for the keyed option only.
	ScoringBinary ScoringMode = "binary"
	// ScoringOptionWeights awards per-option points when an option declares them.
	ScoringOptionWeights ScoringMode = "option-weights"
)

// ServiceConfig holds runtime parameters set via CLI flags.
type ServiceConfig struct {
	ScoringMode   ScoringMode
	SweepInterval time.Duration // 0 disables the background sweeper
	PaymentTTL    time.Duration
}

// Mistake is a question answered wrongly or left blank in a finalized session.
type Mistake struct {
	QuestionID string `json:"question_id"`
	Section    string `json:"section"`
	Content    string `json:"content"`
	Selected   string `json:"selected,omitempty"`
	Correct    string `json:"correct"`
}
