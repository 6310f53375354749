package tryout

import (
	"sort"

	"github.com/pavelanni/tryout/internal/model"
)

// Aggregate totals section results into an overall result.
func Aggregate(sections []model.SectionResult) model.TryoutResult {
	var res model.TryoutResult
	res.Sections = make([]model.SectionResult, len(sections))
	copy(res.Sections, sections)
	for _, s := range sections {
		res.Score += s.Score
		res.MaxScore += s.MaxScore
	}
	res.Percentage = Percentage(res.Score, res.MaxScore)
	return res
}

// rankEntry is one finalized attempt in ranking order.
type rankEntry struct {
	sessionID   string
	userID      string
	score       float64
	submittedAt int64
}

// rankBefore orders by score descending, then earlier submission, then session ID.
func rankBefore(a, b rankEntry) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.submittedAt != b.submittedAt {
		return a.submittedAt < b.submittedAt
	}
	return a.sessionID < b.sessionID
}

func rankEntries(sessions []model.Session) []rankEntry {
	entries := make([]rankEntry, 0, len(sessions))
	for _, s := range sessions {
		if s.Score == nil {
			// Finalized but not yet scored.
			continue
		}
		e := rankEntry{sessionID: s.ID, userID: s.UserID, score: *s.Score}
		if s.SubmittedAt != nil {
			e.submittedAt = s.SubmittedAt.UnixNano()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return rankBefore(entries[i], entries[j]) })
	return entries
}

// percentile is the share of participants ranked below position.
func percentile(position, participants int) float64 {
	if participants <= 0 {
		return 0
	}
	return float64(participants-position) / float64(participants) * 100
}

// computeStatistics summarizes scores. It returns a zero value when scores is empty.
func computeStatistics(packageID string, scores []float64) model.Statistics {
	st := model.Statistics{PackageID: packageID, Participants: len(scores)}
	if len(scores) == 0 {
		return st
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st.Mean = sum / float64(len(sorted))
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		st.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		st.Median = sorted[mid]
	}
	return st
}
