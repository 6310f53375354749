package tryout

import (
	"context"
	"fmt"

	"github.com/pavelanni/tryout/internal/model"
)

// ResultSource lists export rows for a package.
type ResultSource interface {
	ExportPackageResults(ctx context.Context, packageID string) ([]model.StudentResult, error)
}

// Export collects every scored attempt of packageID with its ranking
// position and the package statistics.
func (s *Service) Export(ctx context.Context, src ResultSource, packageID string) (model.ResultExport, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return model.ResultExport{}, err
	}
	rows, err := src.ExportPackageResults(ctx, packageID)
	if err != nil {
		return model.ResultExport{}, fmt.Errorf("export results: %w", err)
	}
	sessions, err := s.store.ListFinalizedSessions(ctx, packageID)
	if err != nil {
		return model.ResultExport{}, err
	}

	entries := rankEntries(sessions)
	positions := make(map[string]int, len(entries))
	scores := make([]float64, 0, len(entries))
	for i, e := range entries {
		positions[e.sessionID] = i + 1
		scores = append(scores, e.score)
	}
	for i := range rows {
		rows[i].Position = positions[rows[i].SessionID]
	}
	stats := computeStatistics(packageID, scores)

	return model.ResultExport{
		PackageID:   pkg.ID,
		Title:       pkg.Title,
		ExportedAt:  s.now().UTC(),
		ScoringMode: s.scorer.Mode(),
		Statistics:  &stats,
		Results:     rows,
	}, nil
}
