package tryout

import (
	"fmt"
	"math"
	"sort"

	"github.com/pavelanni/tryout/internal/model"
)

// AnswerKey maps question IDs to the correct option key.
type AnswerKey map[string]string

// KeyFor builds the answer key of a question set.
func KeyFor(questions []model.Question) AnswerKey {
	key := make(AnswerKey, len(questions))
	for _, q := range questions {
		if q.CorrectOption != "" {
			key[q.ID] = q.CorrectOption
		}
	}
	return key
}

// Scorer computes section results from a session's answers.
type Scorer struct {
	mode model.ScoringMode
}

// NewScorer returns a scorer for the given mode. Unknown modes score binary.
func NewScorer(mode model.ScoringMode) *Scorer {
	if mode != model.ScoringOptionWeights {
		mode = model.ScoringBinary
	}
	return &Scorer{mode: mode}
}

// Mode returns the effective scoring mode.
func (s *Scorer) Mode() model.ScoringMode {
	return s.mode
}

// SectionResults scores answers against key and groups them by section.
// Declared sections come first in declared order, followed by any section
// that only appears on questions, in question order.
func (s *Scorer) SectionResults(sections []model.Section, questions []model.Question, answers []model.Answer, key AnswerKey) ([]model.SectionResult, error) {
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	selected := make(map[string]string, len(answers))
	for _, a := range answers {
		if _, ok := byID[a.QuestionID]; !ok {
			return nil, fmt.Errorf("%w: answer references question %q outside the package", ErrValidation, a.QuestionID)
		}
		selected[a.QuestionID] = a.SelectedOption
	}

	ordered := make([]model.Question, len(questions))
	copy(ordered, questions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	declared := make([]model.Section, len(sections))
	copy(declared, sections)
	sort.SliceStable(declared, func(i, j int) bool {
		return declared[i].Position < declared[j].Position
	})

	index := make(map[string]int)
	var results []model.SectionResult
	for _, sec := range declared {
		if _, dup := index[sec.Name]; dup {
			continue
		}
		index[sec.Name] = len(results)
		results = append(results, model.SectionResult{Section: sec.Name})
	}
	counts := make([]int, len(results))

	for _, q := range ordered {
		correct, ok := key[q.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no answer key for question %q", ErrValidation, q.ID)
		}
		i, ok := index[q.Section]
		if !ok {
			i = len(results)
			index[q.Section] = i
			results = append(results, model.SectionResult{Section: q.Section})
			counts = append(counts, 0)
		}
		counts[i]++
		results[i].MaxScore += q.Points
		if opt, answered := selected[q.ID]; answered {
			results[i].Score += s.award(q, correct, opt)
		}
	}

	for i := range results {
		if counts[i] == 0 {
			return nil, fmt.Errorf("%w: section %q has no questions", ErrValidation, results[i].Section)
		}
		results[i].Percentage = Percentage(results[i].Score, results[i].MaxScore)
	}
	return results, nil
}

func (s *Scorer) award(q model.Question, correct, selected string) float64 {
	if s.mode == model.ScoringOptionWeights {
		if opt, ok := q.Option(selected); ok && opt.Points != nil {
			return clamp(*opt.Points, 0, q.Points)
		}
	}
	if selected != "" && selected == correct {
		return q.Points
	}
	return 0
}

// Percentage returns score/max*100 in [0, 100]. A zero max yields 0.
func Percentage(score, maxScore float64) float64 {
	if maxScore <= 0 || math.IsNaN(score) || math.IsInf(score, 0) || math.IsInf(maxScore, 0) {
		return 0
	}
	return clamp(score/maxScore*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(math.Max(v, lo), hi)
}
