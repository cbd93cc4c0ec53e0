package httpapi

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/jobs"
	trainingsvc "github.com/labcv/labcv/internal/app/services/training"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/errors"
)

func (h *handler) adminRoutes(r *mux.Router) {
	r.HandleFunc("/stats", h.adminStats).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.adminAudit).Methods(http.MethodGet)
	r.HandleFunc("/jobs", h.adminJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{name}/run", h.adminRunJob).Methods(http.MethodPost)

	r.HandleFunc("/users", h.adminUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/role", h.adminSetRole).Methods(http.MethodPut)

	r.HandleFunc("/cvs", h.adminCVs).Methods(http.MethodGet)
	r.HandleFunc("/cvs/{id}", h.adminCV).Methods(http.MethodGet)
	r.HandleFunc("/cvs/{id}", h.adminDeleteCV).Methods(http.MethodDelete)

	r.HandleFunc("/payments", h.adminPayments).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}", h.adminPayment).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/reconcile", h.adminReconcile).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}/status", h.adminMarkStatus).Methods(http.MethodPost)

	r.HandleFunc("/access", h.adminGrant).Methods(http.MethodPost)
	r.HandleFunc("/access/{id}", h.adminRevoke).Methods(http.MethodDelete)

	r.HandleFunc("/prompts", h.adminPrompts).Methods(http.MethodGet)
	r.HandleFunc("/prompts", h.adminCreatePrompt).Methods(http.MethodPost)
	r.HandleFunc("/prompts/active", h.adminActivePrompt).Methods(http.MethodGet)
	r.HandleFunc("/prompts/{id}/activate", h.adminActivatePrompt).Methods(http.MethodPost)

	r.HandleFunc("/patterns", h.adminPatterns).Methods(http.MethodGet)
	r.HandleFunc("/patterns/{id}", h.adminUpdatePattern).Methods(http.MethodPatch)
	r.HandleFunc("/patterns/{id}/reset", h.adminResetPattern).Methods(http.MethodPost)
	r.HandleFunc("/feedback", h.adminFeedback).Methods(http.MethodGet)

	r.HandleFunc("/training/sessions", h.adminSessions).Methods(http.MethodGet)
	r.HandleFunc("/training/sessions", h.adminStartSession).Methods(http.MethodPost)
	r.HandleFunc("/training/sessions/{id}", h.adminSession).Methods(http.MethodGet)
	r.HandleFunc("/training/sessions/{id}/messages", h.adminTrainingMessage).Methods(http.MethodPost)
	r.HandleFunc("/training/sessions/{id}/feedback", h.adminTrainingFeedback).Methods(http.MethodPost)
	r.HandleFunc("/training/sessions/{id}/complete", h.adminCompleteSession).Methods(http.MethodPost)
}

func (h *handler) adminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Store.Stats(r.Context(), time.Now().UTC(), h.app.Learning.Threshold())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.listLimit(pageParams(r).Limit))
}

func (h *handler) adminJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": h.app.Services(),
		"jobs":     h.app.Jobs.Runs(),
	})
}

func (h *handler) adminRunJob(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if err := h.app.Jobs.RunNow(r.Context(), name); err != nil {
		if stderrors.Is(err, jobs.ErrUnknownJob) {
			h.writeError(w, r, errors.NotFound("Trabajo"))
			return
		}
		h.writeError(w, r, errors.Internal("El trabajo falló", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ok"})
}

func (h *handler) adminUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.app.Profiles.List(r.Context(), storage.ProfileFilter{
		Query: strings.TrimSpace(q.Get("q")),
		Role:  profile.Role(q.Get("role")),
		Page:  pageParams(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type setRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

func (h *handler) adminSetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	target := pathParam(r, "id")
	if target == userID(r) && req.Role != string(profile.RoleAdmin) {
		h.writeError(w, r, errors.Conflict("No puedes quitarte el rol de administrador"))
		return
	}
	p, err := h.app.Profiles.SetRole(r.Context(), target, profile.Role(req.Role))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) adminCVs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, total, err := h.app.CVs.Search(r.Context(), storage.CVFilter{
		Query:  strings.TrimSpace(q.Get("q")),
		Status: cv.Status(q.Get("status")),
		UserID: q.Get("user_id"),
		Page:   pageParams(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": total})
}

type adminCVDetail struct {
	CV       cv.CV             `json:"cv"`
	Owner    *profile.Profile  `json:"owner,omitempty"`
	Grants   []access.Grant    `json:"grants"`
	Payments []payment.Payment `json:"payments"`
}

func (h *handler) adminCV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.app.CVs.GetAny(ctx, pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	detail := adminCVDetail{CV: c}
	if owner, err := h.app.Profiles.Get(ctx, c.UserID); err == nil {
		detail.Owner = &owner
	}
	if detail.Grants, err = h.app.Access.List(ctx, c.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if detail.Payments, err = h.app.Payments.List(ctx, storage.PaymentFilter{CVID: c.ID}); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) adminDeleteCV(w http.ResponseWriter, r *http.Request) {
	if err := h.app.CVs.DeleteAny(r.Context(), pathParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) adminPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.PaymentFilter{UserID: q.Get("user_id"), CVID: q.Get("cv_id"), Page: pageParams(r)}
	if raw := q.Get("status"); raw != "" {
		status, err := payment.ParseStatus(raw)
		if err != nil {
			h.writeError(w, r, errors.BadRequest("Estado de pago inválido"))
			return
		}
		filter.Status = status
	}
	items, err := h.app.Payments.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) adminPayment(w http.ResponseWriter, r *http.Request) {
	detail, err := h.app.Payments.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) adminReconcile(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Payments.ForceReconcile(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type markStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *handler) adminMarkStatus(w http.ResponseWriter, r *http.Request) {
	var req markStatusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.app.Payments.MarkStatus(r.Context(), userID(r), pathParam(r, "id"), req.Status, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type grantRequest struct {
	UserID string `json:"user_id" validate:"required"`
	CVID   string `json:"cv_id" validate:"required"`
}

func (h *handler) adminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.app.Access.AdminGrant(r.Context(), userID(r), req.UserID, req.CVID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *handler) adminRevoke(w http.ResponseWriter, r *http.Request) {
	g, err := h.app.Access.Revoke(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) adminPrompts(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Prompts.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type createPromptRequest struct {
	Content  string `json:"content" validate:"required"`
	Notes    string `json:"notes" validate:"max=1000"`
	Activate bool   `json:"activate"`
}

func (h *handler) adminCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req createPromptRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.app.Prompts.Create(r.Context(), userID(r), req.Content, req.Notes, req.Activate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// adminActivePrompt shows the active version next to the prompt the
// assistant actually receives once learned patterns are appended.
func (h *handler) adminActivePrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.app.Prompts.Active(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	composed, err := h.app.Prompts.SystemPrompt(ctx, "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": v, "composed": composed})
}

func (h *handler) adminActivatePrompt(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Prompts.Activate(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) adminPatterns(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Learning.Patterns(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold": h.app.Learning.Threshold(),
		"patterns":  items,
	})
}

type updatePatternRequest struct {
	Instruction *string `json:"instruction" validate:"omitempty,min=1,max=500"`
	Disabled    *bool   `json:"disabled"`
}

func (h *handler) adminUpdatePattern(w http.ResponseWriter, r *http.Request) {
	var req updatePatternRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.app.Learning.Update(r.Context(), pathParam(r, "id"), storage.PatternChange{
		Instruction: req.Instruction,
		Disabled:    req.Disabled,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) adminResetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Learning.Reset(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) adminFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.app.Learning.Feedback(r.Context(), storage.FeedbackFilter{
		Source:    learning.Source(q.Get("source")),
		SessionID: q.Get("session_id"),
		MessageID: q.Get("message_id"),
		Page:      pageParams(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) adminSessions(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Training.List(r.Context(), pageParams(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type startSessionRequest struct {
	Title           string `json:"title" validate:"max=200"`
	PromptVersionID string `json:"prompt_version_id"`
}

func (h *handler) adminStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.app.Training.Start(r.Context(), userID(r), req.Title, req.PromptVersionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handler) adminSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.app.Training.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) adminTrainingMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	exchange, err := h.app.Training.Send(r.Context(), pathParam(r, "id"), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exchange)
}

type trainingFeedbackRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	feedbackRequest
}

func (h *handler) adminTrainingFeedback(w http.ResponseWriter, r *http.Request) {
	var req trainingFeedbackRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.app.Training.Feedback(r.Context(), userID(r), pathParam(r, "id"), trainingsvc.Rating{
		MessageID: req.MessageID,
		Rating:    req.Rating,
		Tags:      req.Tags,
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handler) adminCompleteSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.Training.Complete(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
