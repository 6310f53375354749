package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/llm"
	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

type packageSummary struct {
	model.Package
	Questions int `json:"questions"`
}

func (h *Handler) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.store.ListPackages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]packageSummary, 0, len(pkgs))
	for _, p := range pkgs {
		n, err := h.store.QuestionCount(r.Context(), p.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, packageSummary{Package: p, Questions: n})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "packageID")
	pkg, err := h.store.GetPackage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.store.QuestionCount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packageSummary{Package: pkg, Questions: n})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "packageID")
	if _, err := h.store.GetPackage(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.tryouts.Statistics(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID := model.UserIDFromContext(r.Context())
	sess, err := h.tryouts.Start(r.Context(), chi.URLParam(r, "packageID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListUserSessions(r.Context(), model.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ownSession checks that the session exists and belongs to the caller
// before any service call can touch it. Sessions of other users are
// reported as missing.
func (h *Handler) ownSession(r *http.Request) (model.Session, error) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		return model.Session{}, err
	}
	if sess.UserID != model.UserIDFromContext(r.Context()) {
		return model.Session{}, fmt.Errorf("%w: session %q", tryout.ErrNotFound, id)
	}
	return sess, nil
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sheet, err := h.tryouts.Sheet(r.Context(), sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

type answerRequest struct {
	SelectedOption string `json:"selected_option" validate:"required,max=16"`
}

func (h *Handler) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	answer, err := h.tryouts.Submit(r.Context(), sess.ID, chi.URLParam(r, "questionID"), req.SelectedOption)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.tryouts.Finalize(r.Context(), sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ownSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.tryouts.View(r.Context(), sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleAdvice(w http.ResponseWriter, r *http.Request) {
	if h.advisor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:   "advice_unavailable",
			Message: appI18n.T(r.Context(), "ErrAdviceUnavailable"),
		})
		return
	}
	sess, err := h.ownSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	result, mistakes, err := h.tryouts.Review(ctx, sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pkg, err := h.store.GetPackage(ctx, result.PackageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := llm.AdviceRequest{
		PackageTitle: pkg.Title,
		Language:     appI18n.Lang(ctx),
		Result:       result,
		Mistakes:     mistakes,
	}
	ranking, err := h.tryouts.RankSession(ctx, sess)
	switch {
	case err == nil:
		req.Ranking = &ranking
	case errors.Is(err, tryout.ErrNotFound):
		slog.Warn("advice without ranking", "session_id", sess.ID, "error", err)
	default:
		writeError(w, r, err)
		return
	}

	advice, err := h.advisor.Advise(ctx, req)
	if err != nil {
		slog.Error("advice generation failed", "session_id", sess.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error:   "advice_unavailable",
			Message: appI18n.T(ctx, "ErrAdviceUnavailable"),
		})
		return
	}
	writeJSON(w, http.StatusOK, advice)
}
