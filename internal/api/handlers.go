package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/engine"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
}

type rollbackRequest struct {
	Version int64  `json:"version"`
	ActorID string `json:"actorId"`
}

type verifyResponse struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Head    string `json:"head,omitempty"`
	Error   string `json:"error,omitempty"`
}

// auditEntryJSON renders the payload as an embedded object instead of the
// base64 that []byte would produce.
type auditEntryJSON struct {
	Sequence    uint64          `json:"sequence"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Action      string          `json:"action"`
	ActorID     string          `json:"actorId"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prevHash"`
	ContentHash string          `json:"contentHash"`
}

func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, false)
}

func (s *Server) handleSimulateSignal(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, simulate bool) {
	var sig domain.TradeSignal
	if err := decodeBody(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid JSON body: "+err.Error())
		return
	}

	var (
		res *engine.SubmitResult
		err error
	)
	if simulate {
		res, err = s.engine.SimulateTradeSignal(r.Context(), sig)
	} else {
		res, err = s.engine.SubmitTradeSignal(r.Context(), sig)
	}
	if err != nil {
		var a *domain.RiskAssessment
		if res != nil {
			a = res.Assessment
		}
		s.writeFailure(w, err, a)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrderStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err, nil)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err, nil)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.OutcomeFilter{
		UserID: q.Get("user"),
		Symbol: q.Get("symbol"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.CodeValidation, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	f.Limit = int(limit)

	out, err := s.engine.Outcomes(r.Context(), f)
	if err != nil {
		s.writeFailure(w, err, nil)
		return
	}
	if out == nil {
		out = []domain.Outcome{}
	}
	writeJSON(w, out)
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		writeJSON(w, s.engine.AllPolicies(r.Context()))
		return
	}
	writeJSON(w, s.engine.GetPolicies(r.Context()))
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.PolicyHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err, nil)
		return
	}
	writeJSON(w, versions)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid JSON body: "+err.Error())
		return
	}
	if req.Version < 1 || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "version and actorId are required")
		return
	}
	p, err := s.engine.RollbackPolicy(r.Context(), r.PathValue("id"), req.Version, req.ActorID)
	if err != nil {
		s.writeFailure(w, err, nil)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		ActorID:    q.Get("actor"),
	}
	from, ok := intParam(w, r, "from_seq")
	if !ok {
		return
	}
	to, ok := intParam(w, r, "to_seq")
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	f.FromSeq, f.ToSeq = uint64(from), uint64(to)

	entries := s.engine.AuditEntries(f, int(limit))
	out := make([]auditEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = auditEntryJSON{
			Sequence:    e.Sequence,
			EntityType:  e.EntityType,
			EntityID:    e.EntityID,
			Action:      e.Action,
			ActorID:     e.ActorID,
			Timestamp:   e.Timestamp,
			Payload:     json.RawMessage(e.Payload),
			PrevHash:    e.PrevHash,
			ContentHash: e.ContentHash,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	head, n := s.engine.LedgerHead()
	if err := s.engine.VerifyLedger(); err != nil {
		s.log.Error("audit chain verification failed", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, verifyResponse{Entries: n, Error: err.Error()})
		return
	}
	writeJSON(w, verifyResponse{Valid: true, Entries: n, Head: head})
}

func (s *Server) handleBrokerHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.health.Snapshot())
}

// writeFailure maps an engine error to its HTTP status and stable code.
func (s *Server) writeFailure(w http.ResponseWriter, err error, a *domain.RiskAssessment) {
	code := domain.ErrorCode(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", code, "error", err)
	}

	var block *domain.PolicyBlockError
	if a == nil && errors.As(err, &block) {
		a = block.Assessment
	}
	writeJSONStatus(w, status, errorResponse{Error: err.Error(), Code: code, Assessment: a})
}

func httpStatus(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodePolicyBlock:
		return http.StatusUnprocessableEntity
	case domain.CodeDuplicateInFlight, domain.CodeOrderTerminal, domain.CodeOrderNotCancellable:
		return http.StatusConflict
	case domain.CodeNoBrokerAvailable, domain.CodeTransientBroker:
		return http.StatusServiceUnavailable
	case domain.CodeOrderNotFound, domain.CodePolicyNotFound, domain.CodePolicyVersionNotFound:
		return http.StatusNotFound
	case domain.CodeBrokerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// intParam parses an optional non-negative integer query parameter. It
// writes a 400 and returns false on malformed input.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg, Code: code})
}
