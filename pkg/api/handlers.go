package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/transfer"
)

var errNotConfigured = errors.New("api: endpoint not configured")

// resultBody is the JSON shape of an orchestrator result.
type resultBody struct {
	OperationKey        string                    `json:"operation_key"`
	Outcome             orchestrator.Outcome      `json:"outcome"`
	Phase               orchestrator.Phase        `json:"phase,omitempty"`
	RemoteTxID          string                    `json:"remote_tx_id,omitempty"`
	Record              *transfer.ExecutionRecord `json:"record,omitempty"`
	Error               string                    `json:"error,omitempty"`
	Reason              string                    `json:"reason,omitempty"`
	NeedsReconciliation bool                      `json:"needs_reconciliation,omitempty"`
}

// handleHealth returns a simple health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

// handleStatus reports uptime and breaker states. Any open breaker marks the
// engine degraded.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "running"
	breakers := make(map[string]string, len(s.breakers))
	for _, b := range s.breakers {
		snap := b.Snapshot()
		breakers[snap.Name] = snap.State
		if snap.State != metrics.CircuitClosed.String() {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": s.now().Unix(),
		"uptime":    time.Since(startTime).String(),
		"breakers":  breakers,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	out := make([]interface{}, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSubmit executes a one-off transfer from a linked account.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	result, err := s.orch.Submit(r.Context(), req)
	s.writeResult(w, "submit", req.OperationKey, result, err)
}

// handleHistory lists every ledger row of an operation key, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.orch.History(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", key, transfer.ErrRecordNotFound))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation_key": key,
		"latest_state":  rows[len(rows)-1].State,
		"records":       rows,
	})
}

// handleRetry resubmits an operation key. ?force=true retries an UNKNOWN key
// without reconciling first.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		force, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("force: %w", err))
			return
		}
	}

	result, err := s.orch.Resubmit(r.Context(), key, force)
	s.writeResult(w, "retry", key, result, err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.orch.Reconcile(r.Context(), key)
	s.writeResult(w, "reconcile", key, result, err)
}

// handleRun runs the recurring contracts due on ?date=YYYY-MM-DD (default: today).
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured)
		return
	}

	day := s.now().In(s.loc)
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("date must be YYYY-MM-DD: %w", err))
			return
		}
		day = parsed
	}

	summary, err := s.runner.RunDueTransfers(r.Context(), day)
	if err != nil {
		s.logger.Error("on-demand run failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	if s.contracts == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured)
		return
	}
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.contracts.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleContractStatus applies an operator status change, e.g. suspending a
// contract whose debits keep failing.
func (s *Server) handleContractStatus(w http.ResponseWriter, r *http.Request) {
	if s.contracts == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured)
		return
	}
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body struct {
		Status transfer.ContractStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", body.Status))
		return
	}

	if err := s.contracts.UpdateStatus(r.Context(), id, body.Status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("contract status changed", logging.Contract(id), zap.String("status", string(body.Status)))

	c, err := s.contracts.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// writeResult maps an orchestrator result to a response. An attempt that
// reached the bank and ended UNKNOWN answers 202: the request was taken but
// its effect is not known yet.
func (s *Server) writeResult(w http.ResponseWriter, op, key string, result *orchestrator.Result, err error) {
	body := resultBody{OperationKey: key}
	if result != nil {
		body.OperationKey = result.OperationKey
		body.Outcome = result.Outcome
		body.Phase = result.Phase
		body.RemoteTxID = result.RemoteTxID()
		body.Record = result.Record
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		body.Error = err.Error()
		body.Reason = transfer.ClassifyError(err)
		body.NeedsReconciliation = transfer.NeedsReconciliation(err)
		if body.NeedsReconciliation && result != nil && result.Outcome == orchestrator.OutcomeUnknown {
			status = http.StatusAccepted
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("operation failed", zap.String("op", op), logging.OperationKey(key), zap.Error(err))
		}
	}
	writeJSON(w, status, body)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestrator.ErrNoAccounts):
		return http.StatusNotImplemented
	case transfer.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrRecordNotFound), errors.Is(err, transfer.ErrContractNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrAccountNotLinked), transfer.IsRejected(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNothingToReconcile),
		errors.Is(err, transfer.ErrInvalidStatusTransition),
		transfer.NeedsReconciliation(err):
		return http.StatusConflict
	case transfer.IsCircuitOpen(err), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case transfer.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// pathVar returns an unescaped route variable. Operation keys may contain
// '/', which clients send as %2F.
func pathVar(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}
