package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
)

const (
	// LeaseTokenHeader carries the lease token on release and renew.
	LeaseTokenHeader = "X-Lease-Token"

	// IdempotencyKeyHeader may carry the request id on submit.
	IdempotencyKeyHeader = "Idempotency-Key"

	maxBodySize = 1 << 20
)

// Environment is the service behind the API. environment.Service implements it.
type Environment interface {
	Submit(ctx context.Context, id string, spec alloc.RequirementSpec) (*alloc.Request, bool, error)
	Status(ctx context.Context, id string) (*alloc.Request, error)
	Release(ctx context.Context, id, token string) (*alloc.Request, error)
	Renew(ctx context.Context, id, token string, ttl time.Duration) (*alloc.Request, error)
	ReleaseReservation(ctx context.Context, id, reservationID, token string) (*alloc.Reservation, error)
	Register(ctx context.Context, resources []alloc.Resource) (int, error)
	Health(ctx context.Context) error
}

// Handler serves the environment API.
type Handler struct {
	env     Environment
	metrics http.Handler
	baseURL string
	logger  zerolog.Logger
}

// NewHandler creates a handler. metrics may be nil.
func NewHandler(env Environment, metrics http.Handler, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		env:     env,
		metrics: metrics,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the API on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /environment", h.PostEnvironment)
	mux.HandleFunc("GET /environment/{id}", h.GetEnvironment)
	mux.HandleFunc("DELETE /environment/{id}", h.DeleteEnvironment)
	mux.HandleFunc("POST /environment/{id}/renew", h.RenewEnvironment)
	mux.HandleFunc("DELETE /environment/{id}/reservations/{rid}", h.DeleteReservation)
	mux.HandleFunc("POST /register", h.PostRegister)
	mux.HandleFunc("GET /healthz", h.Healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// SubmitRequest is the body of POST /environment.
type SubmitRequest struct {
	RequestID string `json:"requestId,omitempty"`
	alloc.RequirementSpec
}

// RenewRequest is the body of POST /environment/{id}/renew.
type RenewRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Resources []alloc.Resource `json:"resources"`
}

// RegisterResponse is returned by POST /register.
type RegisterResponse struct {
	Registered int `json:"registered"`
}

// ReservationResponse is returned when a single reservation is released.
type ReservationResponse struct {
	ReservationID string                  `json:"reservationId"`
	RequestID     string                  `json:"requestId"`
	Status        alloc.ReservationStatus `json:"status"`
	ResourceIDs   []string                `json:"resourceIds"`
	Deadline      time.Time               `json:"deadline"`
	ReleasedAt    *time.Time              `json:"releasedAt,omitempty"`
}

// SubmitResponse is returned by POST /environment.
type SubmitResponse struct {
	RequestID string        `json:"requestId"`
	Status    alloc.Outcome `json:"status"`
	Location  string        `json:"location,omitempty"`
}

// LeaseView describes the reservation of a fulfilled request.
type LeaseView struct {
	Token         string           `json:"token"`
	ReservationID string           `json:"reservationId"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
	Resources     []alloc.Resource `json:"resources"`
}

// StatusResponse is returned by GET, DELETE and renew.
type StatusResponse struct {
	RequestID   string                `json:"requestId"`
	Status      alloc.Outcome         `json:"status"`
	State       alloc.State           `json:"state"`
	Reason      alloc.Kind            `json:"reason,omitempty"`
	Message     string                `json:"message,omitempty"`
	Spec        alloc.RequirementSpec `json:"spec"`
	SubmittedAt time.Time             `json:"submittedAt"`
	Deadline    time.Time             `json:"deadline"`
	Attempts    int                   `json:"attempts"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	ReleasedAt  *time.Time            `json:"releasedAt,omitempty"`
	Lease       *LeaseView            `json:"lease,omitempty"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Reason  alloc.Kind `json:"reason"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
}

// PostEnvironment handles POST /environment.
func (h *Handler) PostEnvironment(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := decodeBody(r, &body); err != nil {
		h.respondWithError(w, r, alloc.NewInvalidRequirementSpec("invalid request body: "+err.Error(), err).
			WithCode(alloc.CodeValidation))
		return
	}

	id := body.RequestID
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		if id != "" && id != key {
			h.respondWithError(w, r, alloc.NewInvalidRequirementSpec("requestId and Idempotency-Key differ", nil).
				WithCode(alloc.CodeValidation))
			return
		}
		id = key
	}

	req, created, err := h.env.Submit(r.Context(), id, body.RequirementSpec)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	location := h.baseURL + "/environment/" + req.ID
	w.Header().Set("Location", location)
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	respondWithJSON(w, code, SubmitResponse{
		RequestID: req.ID,
		Status:    req.Outcome(),
		Location:  location,
	})
}

// GetEnvironment handles GET /environment/{id}.
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	req, err := h.env.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, statusView(req))
}

// DeleteEnvironment handles DELETE /environment/{id}. Pending requests are
// cancelled and answered with 202; otherwise held reservations are released.
func (h *Handler) DeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	req, err := h.env.Release(r.Context(), r.PathValue("id"), leaseToken(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	code := http.StatusOK
	if !req.State.IsTerminal() {
		code = http.StatusAccepted
	}
	respondWithJSON(w, code, statusView(req))
}

// RenewEnvironment handles POST /environment/{id}/renew.
func (h *Handler) RenewEnvironment(w http.ResponseWriter, r *http.Request) {
	var body RenewRequest
	if err := decodeBody(r, &body); err != nil {
		h.respondWithError(w, r, alloc.NewInvalidRequirementSpec("invalid request body: "+err.Error(), err).
			WithCode(alloc.CodeValidation))
		return
	}

	ttl := time.Duration(body.TTLSeconds) * time.Second
	req, err := h.env.Renew(r.Context(), r.PathValue("id"), leaseToken(r), ttl)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, statusView(req))
}

// DeleteReservation handles DELETE /environment/{id}/reservations/{rid}.
func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.env.ReleaseReservation(r.Context(), r.PathValue("id"), r.PathValue("rid"), leaseToken(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ReservationResponse{
		ReservationID: res.ID,
		RequestID:     res.RequesterID,
		Status:        res.Status,
		ResourceIDs:   res.ResourceIDs,
		Deadline:      res.Deadline,
		ReleasedAt:    res.ReleasedAt,
	})
}

// PostRegister handles POST /register.
func (h *Handler) PostRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if err := decodeBody(r, &body); err != nil {
		h.respondWithError(w, r, alloc.NewInvalidRequirementSpec("invalid request body: "+err.Error(), err).
			WithCode(alloc.CodeValidation))
		return
	}

	n, err := h.env.Register(r.Context(), body.Resources)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, RegisterResponse{Registered: n})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.env.Health(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusView(req *alloc.Request) StatusResponse {
	view := StatusResponse{
		RequestID:   req.ID,
		Status:      req.Outcome(),
		State:       req.State,
		Reason:      req.Reason,
		Message:     req.Message,
		Spec:        req.Spec,
		SubmittedAt: req.SubmittedAt,
		Deadline:    req.Deadline,
		Attempts:    req.Attempts,
		CompletedAt: req.CompletedAt,
		ReleasedAt:  req.ReleasedAt,
	}
	if req.State == alloc.StateFulfilled && req.ReleasedAt == nil {
		view.Lease = &LeaseView{
			Token:         req.LeaseToken,
			ReservationID: req.ReservationID,
			Deadline:      req.LeaseDeadline,
			Resources:     req.Resources,
		}
	}
	return view
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind alloc.Kind) int {
	switch kind {
	case alloc.KindInvalidRequirementSpec:
		return http.StatusBadRequest
	case alloc.KindInvalidToken:
		return http.StatusForbidden
	case alloc.KindNotFound:
		return http.StatusNotFound
	case alloc.KindExpired:
		return http.StatusGone
	case alloc.KindConflict, alloc.KindCancelled:
		return http.StatusConflict
	case alloc.KindCatalogUnavailable, alloc.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case alloc.KindTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError writes a classified error. Unclassified errors are logged
// and reported as internal without their text.
func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := alloc.AsError(err)
	if !ok {
		ae = alloc.NewInternal("internal error", err)
	}
	code := statusFor(ae.Kind)

	event := h.logger.Debug()
	if code >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("Request failed")

	msg := ae.Message
	if ae.Kind == alloc.KindInternal {
		msg = "internal error"
	}
	respondWithJSON(w, code, ErrorResponse{
		Reason:  ae.Kind,
		Code:    ae.Code,
		Message: msg,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}

func leaseToken(r *http.Request) string {
	if token := r.Header.Get(LeaseTokenHeader); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
