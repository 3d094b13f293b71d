package server

import (
	"WardProtocol/internal/claim"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/policy"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/settlement"
	"WardProtocol/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

type Quoter interface {
	QuotePremium(ctx context.Context, coverageAmount, termDays int64, vaultID, brokerID string) (pricing.Quote, error)
	EstimateAnnualCost(ctx context.Context, coverageAmount int64, vaultID, brokerID string) (pricing.AnnualCost, error)
}

type PolicyService interface {
	Issue(ctx context.Context, req policy.IssueRequest) (state.Policy, error)
	Get(ctx context.Context, id uuid.UUID) (state.Policy, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (state.Policy, error)
}

type ClaimValidator interface {
	ValidateClaim(ctx context.Context, loanID string, policyID uuid.UUID) (claim.Result, error)
}

type ClaimReader interface {
	GetClaim(ctx context.Context, id uuid.UUID) (state.Claim, error)
}

type Settler interface {
	Submit(ctx context.Context, claimID uuid.UUID) (state.Claim, error)
	Approve(ctx context.Context, claimID uuid.UUID, signer string) (state.Claim, error)
	RaiseDispute(ctx context.Context, claimID uuid.UUID, reason string) (state.Claim, error)
	ResolveDispute(ctx context.Context, claimID uuid.UUID, outcome settlement.Outcome, signer string) (state.Claim, error)
	Retry(ctx context.Context, claimID uuid.UUID) (state.Claim, error)
}

type PoolReader interface {
	Get(poolID string) (state.Pool, error)
	List() []state.Pool
}

const maxBodyBytes = 1 << 20

type routes struct {
	deps    *ServerDeps
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewGateway registers the call-in routes on a gRPC-Gateway mux.
func NewGateway(deps *ServerDeps) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	rt := &routes{deps: deps, logger: deps.Logger, metrics: deps.Metrics}

	table := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/quotes", rt.quote},
		{http.MethodPost, "/v1/quotes/annual", rt.annualCost},
		{http.MethodPost, "/v1/policies", rt.issuePolicy},
		{http.MethodGet, "/v1/policies/{id}", rt.getPolicy},
		{http.MethodPost, "/v1/policies/{id}/cancel", rt.cancelPolicy},
		{http.MethodPost, "/v1/claims/validate", rt.validateClaim},
		{http.MethodGet, "/v1/claims/{id}", rt.getClaim},
		{http.MethodPost, "/v1/claims/{id}/approvals", rt.approveClaim},
		{http.MethodPost, "/v1/claims/{id}/disputes", rt.disputeClaim},
		{http.MethodPost, "/v1/claims/{id}/resolution", rt.resolveDispute},
		{http.MethodPost, "/v1/claims/{id}/retry", rt.retryClaim},
		{http.MethodGet, "/v1/pools", rt.listPools},
		{http.MethodGet, "/v1/pools/{id}", rt.getPool},
	}
	for _, r := range table {
		if err := mux.HandlePath(r.method, r.pattern, rt.instrument(r.method+" "+r.pattern, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (rt *routes) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		if rt.metrics != nil {
			rt.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			rt.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

// --- quotes ---

type quoteRequest struct {
	VaultID        string `json:"vault_id"`
	BrokerID       string `json:"broker_id"`
	CoverageAmount int64  `json:"coverage_amount"`
	TermDays       int64  `json:"term_days"`
}

func (rt *routes) quote(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req quoteRequest
	if !rt.decode(w, r, &req) {
		return
	}
	q, err := rt.deps.Quotes.QuotePremium(r.Context(), req.CoverageAmount, req.TermDays, req.VaultID, req.BrokerID)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (rt *routes) annualCost(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req quoteRequest
	if !rt.decode(w, r, &req) {
		return
	}
	cost, err := rt.deps.Quotes.EstimateAnnualCost(r.Context(), req.CoverageAmount, req.VaultID, req.BrokerID)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

// --- policies ---

type issueRequest struct {
	quoteRequest
	CertificateID string `json:"certificate_id"`
	InsuredParty  string `json:"insured_party"`
	PoolID        string `json:"pool_id"`
	PremiumTxHash string `json:"premium_tx_hash"`
}

// issuePolicy prices the terms itself and binds that quote; the premium is
// never taken from the request.
func (rt *routes) issuePolicy(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req issueRequest
	if !rt.decode(w, r, &req) {
		return
	}
	q, err := rt.deps.Quotes.QuotePremium(r.Context(), req.CoverageAmount, req.TermDays, req.VaultID, req.BrokerID)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	p, err := rt.deps.Policies.Issue(r.Context(), policy.IssueRequest{
		Quote:         q,
		CertificateID: req.CertificateID,
		InsuredParty:  req.InsuredParty,
		PoolID:        req.PoolID,
		PremiumTxHash: req.PremiumTxHash,
	})
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPolicyView(p))
}

func (rt *routes) getPolicy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	p, err := rt.deps.Policies.Get(r.Context(), id)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyView(p))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (rt *routes) cancelPolicy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	var req reasonRequest
	if !rt.decode(w, r, &req) {
		return
	}
	p, err := rt.deps.Policies.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyView(p))
}

// --- claims ---

type validateRequest struct {
	LoanID   string `json:"loan_id"`
	PolicyID string `json:"policy_id"`
}

type validateResponse struct {
	Claim      claimView `json:"claim"`
	Approved   bool      `json:"approved"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Existing   bool      `json:"existing"`
}

// validateClaim runs the checkpoints for one (loan, policy) pair and hands a
// fresh approval to settlement, the same way the default pipeline does.
func (rt *routes) validateClaim(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req validateRequest
	if !rt.decode(w, r, &req) {
		return
	}
	if req.LoanID == "" {
		rt.badRequest(w, "loan_id is required")
		return
	}
	policyID, err := uuid.Parse(req.PolicyID)
	if err != nil {
		rt.badRequest(w, fmt.Sprintf("invalid policy_id: %v", err))
		return
	}

	res, err := rt.deps.Validator.ValidateClaim(r.Context(), req.LoanID, policyID)
	if err != nil {
		rt.fail(w, r, err)
		return
	}

	c := res.Claim
	if res.Approved && c.Status == state.ClaimStatusApproved && rt.deps.Settlement != nil {
		submitted, err := rt.deps.Settlement.Submit(r.Context(), c.ID)
		if err != nil {
			// The approval stands; escrow creation is retried by settlement.
			rt.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Msg("escrow submission deferred")
		} else {
			c = submitted
		}
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Claim:      newClaimView(c),
		Approved:   res.Approved,
		Checkpoint: res.Checkpoint,
		Existing:   res.Existing,
	})
}

func (rt *routes) getClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	c, err := rt.deps.Claims.GetClaim(r.Context(), id)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newClaimView(c))
}

type signerRequest struct {
	Signer string `json:"signer"`
}

func (rt *routes) approveClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	var req signerRequest
	if !rt.decode(w, r, &req) {
		return
	}
	rt.claimResult(w, r)(rt.deps.Settlement.Approve(r.Context(), id, req.Signer))
}

func (rt *routes) disputeClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	var req reasonRequest
	if !rt.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		rt.badRequest(w, "reason is required")
		return
	}
	rt.claimResult(w, r)(rt.deps.Settlement.RaiseDispute(r.Context(), id, req.Reason))
}

type resolutionRequest struct {
	Outcome string `json:"outcome"`
	Signer  string `json:"signer"`
}

func (rt *routes) resolveDispute(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	var req resolutionRequest
	if !rt.decode(w, r, &req) {
		return
	}
	outcome, err := settlement.ParseOutcome(req.Outcome)
	if err != nil {
		rt.badRequest(w, err.Error())
		return
	}
	rt.claimResult(w, r)(rt.deps.Settlement.ResolveDispute(r.Context(), id, outcome, req.Signer))
}

func (rt *routes) retryClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := rt.pathID(w, params)
	if !ok {
		return
	}
	rt.claimResult(w, r)(rt.deps.Settlement.Retry(r.Context(), id))
}

func (rt *routes) claimResult(w http.ResponseWriter, r *http.Request) func(state.Claim, error) {
	return func(c state.Claim, err error) {
		if err != nil {
			rt.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newClaimView(c))
	}
}

// --- pools ---

func (rt *routes) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := rt.deps.Pools.Get(params["id"])
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(p))
}

func (rt *routes) listPools(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	pools := rt.deps.Pools.List()
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, newPoolView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
}

func (rt *routes) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		rt.badRequest(w, fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func (rt *routes) pathID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		rt.badRequest(w, fmt.Sprintf("invalid id %q", params["id"]))
		return uuid.Nil, false
	}
	return id, true
}

func (rt *routes) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func (rt *routes) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	ev := rt.logger.Warn()
	if code >= http.StatusInternalServerError {
		ev = rt.logger.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
