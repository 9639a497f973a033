package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"strings"

	"clinicqueue/internal/archive"
	"clinicqueue/internal/notify"
	"clinicqueue/internal/queue"
	"clinicqueue/internal/report"
	"clinicqueue/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	queue    *queue.Service
	reports  *report.Reporter
	archiver *archive.Archiver
	hub      *notify.Hub
	auth     *Authenticator
	stream   StreamOptions
}

type Options struct {
	Reports  *report.Reporter
	Archiver *archive.Archiver
	Hub      *notify.Hub
	Auth     *Authenticator
	Stream   StreamOptions
}

type submitRequest struct {
	Name        string `json:"name"`
	IDNumber    string `json:"id_number"`
	ServiceType string `json:"service_type"`
}

type settingsRequest struct {
	Accepting *bool `json:"accepting"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service *queue.Service, options Options) *Handler {
	if options.Hub == nil {
		options.Hub = notify.New()
	}
	if options.Auth == nil {
		options.Auth = NewAuthenticator("")
	}
	return &Handler{
		queue:    service,
		reports:  options.Reports,
		archiver: options.Archiver,
		hub:      options.Hub,
		auth:     options.Auth,
		stream:   options.Stream.withDefaults(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/debug/vars", expvar.Handler())
	r.Handle("/realtime/*", h.realtimeHandler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tickets", h.handleSubmit)
		r.Get("/tickets/{id}", h.handleGetTicket)
		r.Post("/tickets/{id}/cancel", h.handleCancelTicket)
		r.Get("/status", h.handleStatus)
		r.Get("/changes/stream", h.handleChangeStream)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Require(RoleStaff))
			r.Post("/tickets/{id}/complete", h.handleCompleteTicket)
			r.Post("/queues/{serviceType}/serve-next", h.handleServeNext)
			r.Post("/queues/{serviceType}/clear", h.handleClear)
			r.Get("/queues/{serviceType}/waiting", h.handleWaiting)
			r.Get("/queues/{serviceType}/now-serving", h.handleNowServing)
			r.Get("/settings", h.handleGetSettings)
			r.Put("/settings", h.handlePutSettings)
			r.Get("/reports", h.handleReports)
			r.Get("/reports/export", h.handleExport)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Require(RoleAdmin))
			r.Post("/archive/run", h.handleArchiveRun)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ticket, err := h.queue.Submit(r.Context(), req.Name, req.IDNumber, req.ServiceType)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.GetTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.CancelTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCompleteTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.CompleteTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.queue.ServeNext(r.Context(), chi.URLParam(r, "serviceType"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.queue.ClearAll(r.Context(), chi.URLParam(r, "serviceType"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request) {
	serviceType := chi.URLParam(r, "serviceType")
	tickets, err := h.queue.WaitingList(r.Context(), serviceType)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	count, err := h.queue.WaitingCount(r.Context(), serviceType)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_type": strings.ToLower(serviceType),
		"count":        count,
		"tickets":      tickets,
	})
}

func (h *Handler) handleNowServing(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.NowServing(r.Context(), chi.URLParam(r, "serviceType"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if ticket == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.queue.Settings(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Accepting == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "accepting is required")
		return
	}
	settings, err := h.queue.SetAccepting(r.Context(), *req.Accepting)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_configured", "reports are not configured")
		return
	}
	filter, err := h.parseReportFilter(r)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	result, err := h.reports.Build(r.Context(), filter)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_configured", "reports are not configured")
		return
	}
	filter, err := h.parseReportFilter(r)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	tickets, err := h.reports.Tickets(r.Context(), filter)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=queue-report-%s-%s.csv", filter.From, filter.To))
	if err := report.WriteCSV(w, tickets); err != nil {
		log.Printf("report export error: %v", err)
	}
}

func (h *Handler) parseReportFilter(r *http.Request) (store.TicketFilter, error) {
	query := r.URL.Query()
	return report.ParseFilter(
		query.Get("from"),
		query.Get("to"),
		query.Get("service_type"),
		query.Get("status"),
		h.queue.Today(),
	)
}

func (h *Handler) handleArchiveRun(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_configured", "archiving is not configured")
		return
	}
	if claims, ok := claimsFromContext(r.Context()); ok {
		log.Printf("archive run requested subject=%s", claims.Subject)
	}
	result, err := h.archiver.Run(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var validation *store.ValidationError
	var storageErr *store.StorageError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is not accepting new tickets"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "please try again"
	case errors.As(err, &storageErr):
		return http.StatusServiceUnavailable, "storage_error", "storage is unavailable, try again later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request error path=%s request_id=%s: %v", r.URL.Path, requestIDFromRequest(r), err)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
