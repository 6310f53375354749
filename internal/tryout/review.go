package tryout

import (
	"context"

	"github.com/pavelanni/tryout/internal/model"
)

// Review returns the result of a finalized session and the questions the
// user missed, in question order. Unanswered questions count as missed.
func (s *Service) Review(ctx context.Context, sessionID string) (model.TryoutResult, []model.Mistake, error) {
	result, err := s.Result(ctx, sessionID)
	if err != nil {
		return model.TryoutResult{}, nil, err
	}
	questions, err := s.store.GetQuestions(ctx, result.PackageID)
	if err != nil {
		return model.TryoutResult{}, nil, err
	}
	answers, err := s.store.GetAnswers(ctx, sessionID)
	if err != nil {
		return model.TryoutResult{}, nil, err
	}

	selected := make(map[string]string, len(answers))
	for _, a := range answers {
		selected[a.QuestionID] = a.SelectedOption
	}
	var mistakes []model.Mistake
	for _, q := range questions {
		if selected[q.ID] == q.CorrectOption {
			continue
		}
		mistakes = append(mistakes, model.Mistake{
			QuestionID: q.ID,
			Section:    q.Section,
			Content:    q.Content,
			Selected:   selected[q.ID],
			Correct:    q.CorrectOption,
		})
	}
	return result, mistakes, nil
}

// Sheet is a session with its questions and the answers given so far.
type Sheet struct {
	Session   model.Session    `json:"session"`
	Questions []model.Question `json:"questions"`
	Answers   []model.Answer   `json:"answers"`
}

// Sheet returns the answer sheet of a session, finalizing it first when its
// deadline has passed.
func (s *Service) Sheet(ctx context.Context, sessionID string) (Sheet, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return Sheet{}, err
	}
	questions, err := s.store.GetQuestions(ctx, sess.PackageID)
	if err != nil {
		return Sheet{}, err
	}
	answers, err := s.store.GetAnswers(ctx, sessionID)
	if err != nil {
		return Sheet{}, err
	}
	return Sheet{Session: sess, Questions: questions, Answers: answers}, nil
}
