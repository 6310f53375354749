package model

import "time"

// ResultExport is the top-level JSON structure for package result export.
type ResultExport struct {
	PackageID   string          `json:"package_id"`
	Title       string          `json:"title"`
	ExportedAt  time.Time       `json:"exported_at"`
	ScoringMode ScoringMode     `json:"scoring_mode"`
	Statistics  *Statistics     `json:"statistics,omitempty"`
	Results     []StudentResult `json:"results"`
}

// StudentResult holds one finalized attempt for export.
type StudentResult struct {
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id"`
	SessionNumber int             `json:"session_number"`
	StartedAt     time.Time       `json:"started_at"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	Position      int             `json:"position"`
	Score         float64         `json:"score"`
	MaxScore      float64         `json:"max_score"`
	Percentage    float64         `json:"percentage"`
	Sections      []SectionResult `json:"sections"`
}
