// Package httpapi exposes the Lab CV services over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	app "github.com/labcv/labcv/internal/app"
	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/metrics"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/blob"
	"github.com/labcv/labcv/internal/errors"
	"github.com/labcv/labcv/internal/httputil"
	"github.com/labcv/labcv/internal/logging"
	"github.com/labcv/labcv/internal/middleware"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 10 << 20
)

// Options configures the HTTP handler.
type Options struct {
	Logger *logging.Logger
	// AuditLogPath, when set, appends admin audit entries as JSON lines.
	AuditLogPath string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app      *app.Application
	log      *logging.Logger
	validate *validator.Validate
	audit    *auditLog
}

// NewHandler returns the API router wrapped in the cross-cutting middleware.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	h := &handler{
		app:      application,
		log:      log,
		validate: validator.New(),
		audit:    newAuditLog(500, sink),
	}

	cfg := application.Config
	var resolver middleware.UserResolver
	if application.Supabase != nil {
		resolver = application.Supabase.Auth()
	}
	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{
		JWTSecret: cfg.Supabase.JWTSecret,
		Resolver:  resolver,
		Profiles:  application.Profiles,
		Logger:    log.Named("auth"),
	})
	apiLimit := middleware.RateLimit("api", application.Limiters.API, nil, log)
	chatLimit := middleware.RateLimit("chat", application.Limiters.Chat, nil, log)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.writeError(w, req, errors.NotFound(""))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.writeError(w, req, &errors.ServiceError{Code: errors.CodeBadRequest, Message: "Método no permitido", HTTPStatus: http.StatusMethodNotAllowed})
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/api/payments/yappy/ipn", apiLimit(http.HandlerFunc(h.yappyIPN))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Handler, apiLimit)

	api.HandleFunc("/me", h.me).Methods(http.MethodGet)

	api.HandleFunc("/cvs", h.listCVs).Methods(http.MethodGet)
	api.HandleFunc("/cvs", h.createCV).Methods(http.MethodPost)
	api.HandleFunc("/cvs/{id}", h.getCV).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}", h.updateCV).Methods(http.MethodPatch)
	api.HandleFunc("/cvs/{id}", h.deleteCV).Methods(http.MethodDelete)
	api.HandleFunc("/cvs/{id}/content", h.saveContent).Methods(http.MethodPut)
	api.HandleFunc("/cvs/{id}/versions", h.listVersions).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}/versions/{n:[0-9]+}/restore", h.restoreVersion).Methods(http.MethodPost)
	api.HandleFunc("/cvs/{id}/messages", h.listMessages).Methods(http.MethodGet)
	api.Handle("/cvs/{id}/messages", chatLimit(http.HandlerFunc(h.sendMessage))).Methods(http.MethodPost)
	api.HandleFunc("/cvs/{id}/messages/{mid}/feedback", h.rateMessage).Methods(http.MethodPost)
	api.Handle("/cvs/{id}/import", chatLimit(http.HandlerFunc(h.importDocument))).Methods(http.MethodPost)
	api.HandleFunc("/cvs/{id}/assets", h.listAssets).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}/assets", h.uploadAsset).Methods(http.MethodPost)
	api.HandleFunc("/cvs/{id}/preview", h.preview).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}/download", h.download).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}/access", h.checkAccess).Methods(http.MethodGet)
	api.HandleFunc("/cvs/{id}/payments", h.startPayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}", h.paymentStatus).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin(application.Profiles, log), h.auditMiddleware)
	h.adminRoutes(admin)

	var root http.Handler = r
	root = middleware.NewTracingMiddleware(log.Named("http")).Handler(root)
	root = metrics.InstrumentHandler(root)
	root = middleware.NewCORSMiddleware(cfg.Origins()).Handler(root)
	return root, nil
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	if p, ok := middleware.GetProfile(r.Context()); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	p, err := h.app.Profiles.Get(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func userID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

func isAdmin(r *http.Request) bool {
	return logging.GetRole(r.Context()) == string(profile.RoleAdmin)
}

func pathParam(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func pageParams(r *http.Request) storage.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return storage.Page{Limit: limit, Offset: offset}.Normalize()
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *handler) decode(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxJSONBody)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.BadRequest("El cuerpo de la solicitud está vacío")
		}
		return errors.Validation("JSON inválido", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			se := errors.Validation("", err)
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return se.WithDetails("fields", fields)
		}
		return errors.Validation("", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	httputil.WriteJSON(w, status, data)
}

// writeError maps err to a ServiceError and writes it. Server-side failures
// are logged with their cause.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := toServiceError(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		}).Error("request failed")
	}
	httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}

// toServiceError classifies service and storage errors for HTTP.
func toServiceError(err error) *errors.ServiceError {
	if se := errors.GetServiceError(err); se != nil {
		return se
	}
	msg := service.Message(err)
	switch {
	case stderrors.Is(err, service.ErrInvalidInput):
		return errors.Validation(msg, err)
	case stderrors.Is(err, service.ErrUnauthorized):
		return errors.Unauthorized(msg)
	case stderrors.Is(err, service.ErrForbidden):
		return errors.Forbidden(msg)
	case stderrors.Is(err, service.ErrPaymentRequired):
		return errors.PaymentRequired(msg)
	case stderrors.Is(err, service.ErrConflict):
		return errors.Conflict(msg)
	case stderrors.Is(err, service.ErrUnavailable):
		return errors.Unavailable(msg, err)
	case stderrors.Is(err, storage.ErrNotFound), stderrors.Is(err, blob.ErrNotFound):
		return errors.NotFound("")
	case stderrors.Is(err, storage.ErrStaleTransition):
		return errors.Conflict("El recurso cambió mientras se procesaba, intenta de nuevo")
	case stderrors.Is(err, storage.ErrConflict):
		return errors.Conflict("El recurso ya existe")
	case stderrors.Is(err, storage.ErrAccessDenied):
		return errors.PaymentRequired("")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Unavailable("", err)
	}
	return errors.Internal("", err)
}
