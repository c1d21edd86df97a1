package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
)

// Engine is the part of the lifecycle engine the HTTP surface drives.
type Engine interface {
	CreateQueue(ctx context.Context, input engine.CreateQueueInput) (models.Queue, error)
	SetQueueStatus(ctx context.Context, queueID string, status models.QueueStatus) (models.Queue, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	ListQueues(ctx context.Context) ([]models.Queue, error)
	ActiveQueue(ctx context.Context, establishmentID string) (models.Queue, error)
	Admit(ctx context.Context, queueID string, info engine.CustomerInfo) (models.QueueItem, error)
	CallNext(ctx context.Context, queueID string) (models.QueueItem, error)
	Complete(ctx context.Context, itemID string) (models.QueueItem, error)
	Abandon(ctx context.Context, itemID string) (models.QueueItem, error)
	Item(ctx context.Context, itemID string) (models.QueueItem, error)
	Lookup(ctx context.Context, itemID string) (engine.ItemView, error)
	Snapshot(ctx context.Context, queueID string) ([]models.QueueItem, error)
	ItemHistory(ctx context.Context, itemID string) ([]store.ItemEvent, error)
}

type Stats interface {
	DateBucket(t time.Time) string
	GetSnapshot(ctx context.Context, queueID, bucket string) (models.StatSnapshot, error)
	Rebuild(ctx context.Context, queueID, bucket string) (models.StatSnapshot, error)
	Summary(ctx context.Context, queueID, period string, now time.Time) (models.PeriodSummary, error)
}

type Handler struct {
	engine   Engine
	stats    Stats
	auth     *Authenticator
	limiter  *RateLimiter
	realtime http.Handler
	logger   *logrus.Logger
	now      func() time.Time
}

type Options struct {
	// Auth resolves operator tokens. When nil, operator routes are open.
	Auth     *Authenticator
	Limiter  *RateLimiter
	Realtime http.Handler
	Logger   *logrus.Logger
	Now      func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createQueueRequest struct {
	EstablishmentID             string `json:"establishment_id"`
	Name                        string `json:"name"`
	Description                 string `json:"description"`
	EstimatedMinutesPerCustomer int    `json:"estimated_minutes_per_customer"`
}

type queueStatusRequest struct {
	Status string `json:"status"`
}

type admitRequest struct {
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Notes       string `json:"notes"`
}

func NewHandler(eng Engine, st Stats, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		engine:   eng,
		stats:    st,
		auth:     opts.Auth,
		limiter:  opts.Limiter,
		realtime: opts.Realtime,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(LoggingMiddleware(h.logger))
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/establishments/{establishmentID}/active-queue", h.handleActiveQueue)

		r.Route("/queues", func(r chi.Router) {
			r.With(h.operator).Get("/", h.handleListQueues)
			r.With(h.operator).Post("/", h.handleCreateQueue)
			r.Get("/{queueID}", h.handleGetQueue)
			r.Get("/{queueID}/snapshot", h.handleSnapshot)
			r.With(h.admissionLimit).Post("/{queueID}/items", h.handleAdmit)

			r.Group(func(r chi.Router) {
				r.Use(h.operator)
				r.Post("/{queueID}/status", h.handleQueueStatus)
				r.Post("/{queueID}/actions/call-next", h.handleCallNext)
				r.Get("/{queueID}/stats", h.handleStats)
				r.Post("/{queueID}/stats/rebuild", h.handleRebuildStats)
				r.Get("/{queueID}/stats/summary", h.handleStatsSummary)
			})
		})

		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", h.handleLookup)
			r.Group(func(r chi.Router) {
				r.Use(h.operator)
				r.Post("/actions/complete", h.handleComplete)
				r.Post("/actions/abandon", h.handleAbandon)
				r.Get("/events", h.handleItemEvents)
			})
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleActiveQueue(w http.ResponseWriter, r *http.Request) {
	establishmentID := strings.TrimSpace(chi.URLParam(r, "establishmentID"))
	if establishmentID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "establishment_id is required")
		return
	}
	queue, err := h.engine.ActiveQueue(r.Context(), establishmentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.engine.ListQueues(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor, scoped := actorFromContext(r.Context())
	visible := make([]models.Queue, 0, len(queues))
	for _, queue := range queues {
		if scoped && queue.EstablishmentID != actor.EstablishmentID {
			continue
		}
		visible = append(visible, queue)
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.EstablishmentID = strings.TrimSpace(req.EstablishmentID)
	if actor, ok := actorFromContext(r.Context()); ok {
		if req.EstablishmentID == "" {
			req.EstablishmentID = actor.EstablishmentID
		}
		if !requireEstablishment(w, r, req.EstablishmentID) {
			return
		}
	}

	queue, err := h.engine.CreateQueue(r.Context(), engine.CreateQueueInput{
		EstablishmentID:             req.EstablishmentID,
		Name:                        req.Name,
		Description:                 req.Description,
		EstimatedMinutesPerCustomer: req.EstimatedMinutesPerCustomer,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (h *Handler) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	queue, err := h.engine.GetQueue(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	if _, ok := h.scopedQueue(w, r, queueID); !ok {
		return
	}
	var req queueStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	queue, err := h.engine.SetQueueStatus(r.Context(), queueID, models.QueueStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	items, err := h.engine.Snapshot(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicItems(items))
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	item, err := h.engine.Admit(r.Context(), queueID, engine.CustomerInfo{
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		Email:       req.Email,
		Notes:       req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	if _, ok := h.scopedQueue(w, r, queueID); !ok {
		return
	}
	item, err := h.engine.CallNext(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.engine.Complete)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.engine.Abandon)
}

func (h *Handler) itemAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) (models.QueueItem, error)) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	if _, ok := h.scopedItem(w, r, itemID); !ok {
		return
	}
	item, err := action(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	view, err := h.engine.Lookup(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view.Item = publicItem(view.Item)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleItemEvents(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	if _, ok := h.scopedItem(w, r, itemID); !ok {
		return
	}
	events, err := h.engine.ItemHistory(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	if _, ok := h.scopedQueue(w, r, queueID); !ok {
		return
	}
	snapshot, err := h.stats.GetSnapshot(r.Context(), queueID, h.bucketParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleRebuildStats(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	if _, ok := h.scopedQueue(w, r, queueID); !ok {
		return
	}
	snapshot, err := h.stats.Rebuild(r.Context(), queueID, h.bucketParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	if _, ok := h.scopedQueue(w, r, queueID); !ok {
		return
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	summary, err := h.stats.Summary(r.Context(), queueID, period, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// bucketParam returns the date query parameter, defaulting to today.
func (h *Handler) bucketParam(r *http.Request) string {
	if date := strings.TrimSpace(r.URL.Query().Get("date")); date != "" {
		return date
	}
	return h.stats.DateBucket(h.now())
}

// scopedQueue loads the queue and checks it belongs to the caller's
// establishment. It writes the error response itself.
func (h *Handler) scopedQueue(w http.ResponseWriter, r *http.Request, queueID string) (models.Queue, bool) {
	queue, err := h.engine.GetQueue(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, err)
		return models.Queue{}, false
	}
	if _, ok := actorFromContext(r.Context()); ok && !requireEstablishment(w, r, queue.EstablishmentID) {
		return models.Queue{}, false
	}
	return queue, true
}

func (h *Handler) scopedItem(w http.ResponseWriter, r *http.Request, itemID string) (models.QueueItem, bool) {
	item, err := h.engine.Item(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)
		return models.QueueItem{}, false
	}
	if _, ok := actorFromContext(r.Context()); ok && !requireEstablishment(w, r, item.EstablishmentID) {
		return models.QueueItem{}, false
	}
	return item, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	requestID := requestIDFromRequest(r)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, requestID, status, code, msg)
}

// publicItem strips contact details from an item shown to anonymous viewers.
func publicItem(item models.QueueItem) models.QueueItem {
	item.Contact = nil
	return item
}

func publicItems(items []models.QueueItem) []models.QueueItem {
	out := make([]models.QueueItem, len(items))
	for i, item := range items {
		out[i] = publicItem(item)
	}
	return out
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "queue or item not found"
	case errors.Is(err, store.ErrQueueNotActive):
		return http.StatusConflict, "queue_not_active", "queue is not accepting customers"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no customers waiting"
	case errors.Is(err, store.ErrQueueBusy):
		return http.StatusConflict, "queue_busy", "another customer is already called"
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusConflict, "invalid_status", "item status does not allow this action"
	case errors.Is(err, store.ErrStaleTransition):
		return http.StatusConflict, "stale_transition", "item changed concurrently"
	case errors.Is(err, store.ErrDuplicatePosition):
		return http.StatusConflict, "duplicate_position", "position already issued, retry"
	case errors.Is(err, store.ErrInvalidCustomer):
		return http.StatusBadRequest, "invalid_customer", errorDetail(err)
	case errors.Is(err, engine.ErrInvalidQueue):
		return http.StatusBadRequest, "invalid_queue", errorDetail(err)
	case errors.Is(err, stats.ErrInvalidBucket):
		return http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD"
	case errors.Is(err, stats.ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_period", "period must be day, week, month or year"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "storage unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// errorDetail returns the validation message without the sentinel prefix.
func errorDetail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

// pathID reads a UUID route parameter, answering 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if !isValidUUID(value) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", strings.TrimSuffix(name, "ID")+"_id must be a UUID")
		return "", false
	}
	return value, true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
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
