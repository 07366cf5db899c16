/*
handler.go - Handler dependencies and shared request/response helpers

PURPOSE:
  Holds the services the HTTP handlers delegate to and the helpers every
  handler uses: body decoding with validation, JSON writing and the single
  error-to-status mapping.

ERROR HANDLING:
  Engine errors are mapped in statusFor:
  - 400: Malformed body, missing required fields
  - 404: Unknown return request, source item, stay or entry
  - 409: Stale selections, lost races, workflow violations, duplicate draft,
         re-imported documents
  - 422: Cap violations, submit problems, rules the engine enforces
  - 500: Store failures

SEE ALSO:
  - returns.go, stays.go, scenarios.go: Handlers
  - generic/errors.go: Error taxonomy
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/inpatient"
	"github.com/warp/reconciliation-engine/returns"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the document store the handlers run against.
type Backend interface {
	generic.TxStore
	generic.AuditLog

	// Reset clears all data. Used by scenarios only.
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Backend
	Returns   *generic.ReturnService
	Resolver  *generic.Resolver
	Stays     *inpatient.Service
	Documents *factory.DocumentFactory
	Logger    *zap.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the services over one store.
func NewHandler(store Backend, documents *factory.DocumentFactory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Returns:   returns.NewService(store, store, logger),
		Resolver:  returns.NewResolver(store),
		Stays:     inpatient.NewService(store, store, logger),
		Documents: documents,
		Logger:    logger,
		validate:  validator.New(),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its status and body.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}

	resp := ErrorResponse{Error: message, Details: err.Error(), Retryable: generic.IsRetryable(err)}
	var submitErr *generic.SubmitError
	if errors.As(err, &submitErr) {
		resp.Problems = make([]ProblemDTO, len(submitErr.Problems))
		for i, p := range submitErr.Problems {
			resp.Problems[i] = ProblemDTO{SourceID: string(p.SourceID), Code: p.Code, Message: p.Message}
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors to HTTP status codes. Order matters: a
// StaleError wraps its cause, which may be a cap or not-found error.
func statusFor(err error) int {
	var submitErr *generic.SubmitError
	switch {
	case errors.As(err, &submitErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrStale),
		errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, generic.ErrInvalidWorkflowTransition),
		errors.Is(err, generic.ErrDuplicateDraft),
		errors.Is(err, generic.ErrAlreadyExists):
		return http.StatusConflict
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrCapExceeded),
		errors.Is(err, generic.ErrValidation),
		errors.Is(err, generic.ErrNotInvoiceable),
		errors.Is(err, generic.ErrBalanceDeficit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates its tags.
// It writes the 400 response itself and reports whether to continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", formatValidation(err))
		return false
	}
	return true
}

// decodeOptional is decode for bodies that may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// actor identifies the caller for the audit trail.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "anonymous"
}
