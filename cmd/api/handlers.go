package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/conditions"
	"escrowflow/domain"
	"escrowflow/orchestrator"
	"escrowflow/resource"
)

type principalResponse struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	CreatedAt   string `json:"created_at"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	Principal principalResponse `json:"principal"`
}

type templateResponse struct {
	ID             string   `json:"id"`
	State          string   `json:"state"`
	Owner          string   `json:"owner"`
	ConditionTypes []string `json:"condition_types"`
	LastUpdatedBy  string   `json:"last_updated_by"`
	LastUpdatedAt  uint64   `json:"last_updated_at"`
}

type resourceResponse struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Creator      string `json:"creator"`
	RoyaltyPPM   uint64 `json:"royalty_ppm"`
	URL          string `json:"url"`
	RegisteredAt uint64 `json:"registered_at"`
}

type conditionResponse struct {
	ID            string `json:"id"`
	TypeRef       string `json:"type_ref"`
	State         string `json:"state"`
	TimeLock      uint64 `json:"time_lock"`
	TimeOut       uint64 `json:"time_out"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     uint64 `json:"created_at"`
	LastUpdatedBy string `json:"last_updated_by"`
	LastUpdatedAt uint64 `json:"last_updated_at"`
}

type agreementResponse struct {
	ID            string              `json:"id"`
	ResourceID    string              `json:"resource_id"`
	ResourceOwner string              `json:"resource_owner"`
	TemplateID    string              `json:"template_id"`
	Creator       string              `json:"creator"`
	ConditionIDs  []string            `json:"condition_ids"`
	Conditions    []conditionResponse `json:"conditions,omitempty"`
	LastUpdatedBy string              `json:"last_updated_by"`
	LastUpdatedAt uint64              `json:"last_updated_at"`
}

type eventResponse struct {
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	AgreementID string         `json:"agreement_id,omitempty"`
	ConditionID string         `json:"condition_id,omitempty"`
	Actor       string         `json:"actor"`
	Payload     map[string]any `json:"payload,omitempty"`
	RecordedAt  uint64         `json:"recorded_at"`
}

type fulfillResponse struct {
	Condition  conditionResponse      `json:"condition"`
	Settlement *conditions.Settlement `json:"settlement,omitempty"`
	Expired    bool                   `json:"expired,omitempty"`
}

type createAgreementResponse struct {
	Agreement agreementResponse  `json:"agreement"`
	Lock      *conditionResponse `json:"lock,omitempty"`
}

type balanceResponse struct {
	Asset   string `json:"asset"`
	Holder  string `json:"holder"`
	Balance string `json:"balance"`
}

func toPrincipalResponse(p auth.Principal) principalResponse {
	return principalResponse{
		ID:          p.ID,
		Address:     p.Address.String(),
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTemplateResponse(t domain.Template) templateResponse {
	return templateResponse{
		ID:             t.ID.String(),
		State:          t.State.String(),
		Owner:          t.Owner.String(),
		ConditionTypes: addressStrings(t.ConditionTypes),
		LastUpdatedBy:  t.LastUpdatedBy.String(),
		LastUpdatedAt:  t.LastUpdatedAt,
	}
}

func toResourceResponse(r domain.Resource) resourceResponse {
	return resourceResponse{
		ID:           r.ID.Hex(),
		Owner:        r.Owner.String(),
		Creator:      r.Creator.String(),
		RoyaltyPPM:   r.RoyaltyPPM,
		URL:          r.URL,
		RegisteredAt: r.RegisteredAt,
	}
}

func toConditionResponse(c domain.Condition) conditionResponse {
	return conditionResponse{
		ID:            c.ID.Hex(),
		TypeRef:       c.TypeRef.String(),
		State:         c.State.String(),
		TimeLock:      c.TimeLock,
		TimeOut:       c.TimeOut,
		CreatedBy:     c.CreatedBy.String(),
		CreatedAt:     c.CreatedAt,
		LastUpdatedBy: c.LastUpdatedBy.String(),
		LastUpdatedAt: c.LastUpdatedAt,
	}
}

func toAgreementResponse(a domain.Agreement) agreementResponse {
	ids := make([]string, len(a.ConditionIDs))
	for i, id := range a.ConditionIDs {
		ids[i] = id.Hex()
	}
	return agreementResponse{
		ID:            a.ID.Hex(),
		ResourceID:    a.ResourceID.Hex(),
		ResourceOwner: a.ResourceOwner.String(),
		TemplateID:    a.TemplateID.String(),
		Creator:       a.Creator.String(),
		ConditionIDs:  ids,
		LastUpdatedBy: a.LastUpdatedBy.String(),
		LastUpdatedAt: a.LastUpdatedAt,
	}
}

func toEventResponses(events []domain.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{
			Seq:         e.Seq,
			Type:        string(e.Type),
			AgreementID: hexOrEmpty(e.AgreementID),
			ConditionID: hexOrEmpty(e.ConditionID),
			Actor:       e.Actor.String(),
			Payload:     e.Payload,
			RecordedAt:  e.RecordedAt,
		}
	}
	return out
}

func hexOrEmpty(h domain.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.Hex()
}

func addressStrings(addrs []domain.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func hashParam(w http.ResponseWriter, r *http.Request, name string) (domain.Hash, bool) {
	h, err := domain.ParseHash(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return domain.Hash{}, false
	}
	return h, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.handleAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrincipalResponse(*p))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.handleAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, Principal: toPrincipalResponse(res.Principal)})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.templateService.List(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]templateResponse, len(tpls))
	for i, t := range tpls {
		items[i] = toTemplateResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templateService.Get(r.Context(), domain.Address(chi.URLParam(r, "id")))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateResponse(tpl))
}

type proposeTemplateRequest struct {
	ID             string   `json:"id"`
	ConditionTypes []string `json:"condition_types"`
}

func (s *Server) handleProposeTemplate(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	var req proposeTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	types := make([]domain.Address, len(req.ConditionTypes))
	for i, name := range req.ConditionTypes {
		// kind names are accepted as shorthand for their principals
		if k, err := conditions.ParseKind(name); err == nil {
			types[i] = k.Address()
			continue
		}
		types[i] = domain.Address(name)
	}
	tpl, err := s.templateService.Propose(r.Context(), caller, domain.Address(req.ID), types)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateResponse(tpl))
}

func (s *Server) handleApproveTemplate(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	tpl, err := s.templateService.Approve(r.Context(), caller, domain.Address(chi.URLParam(r, "id")))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateResponse(tpl))
}

func (s *Server) handleRevokeTemplate(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	tpl, err := s.templateService.Revoke(r.Context(), caller, domain.Address(chi.URLParam(r, "id")))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateResponse(tpl))
}

func (s *Server) handleTemplateAgreements(w http.ResponseWriter, r *http.Request) {
	list, err := s.agreementService.ListByTemplate(r.Context(), domain.Address(chi.URLParam(r, "id")))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeAgreementList(w, list)
}

type registerResourceRequest struct {
	Seed       *domain.Hash `json:"seed"`
	RoyaltyPPM uint64       `json:"royalty_ppm"`
	URL        string       `json:"url"`
	Providers  []string     `json:"providers"`
}

func (s *Server) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req registerResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seed := domain.HashValues(uuid.NewString())
	if req.Seed != nil {
		seed = *req.Seed
	}
	providers := make([]domain.Address, len(req.Providers))
	for i, p := range req.Providers {
		providers[i] = domain.Address(p)
	}
	res, err := s.resourceService.Register(r.Context(), resource.RegisterParams{
		Seed:       seed,
		Owner:      caller,
		RoyaltyPPM: req.RoyaltyPPM,
		URL:        req.URL,
		Providers:  providers,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResourceResponse(res))
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.resourceService.List(r.Context(), limit)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]resourceResponse, len(list))
	for i, res := range list {
		items[i] = toResourceResponse(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "id")
	if !ok {
		return
	}
	res, err := s.resourceService.GetByID(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResourceResponse(res))
}

type addProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	id, ok := hashParam(w, r, "id")
	if !ok {
		return
	}
	var req addProviderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.resourceService.AddProvider(r.Context(), caller, id, domain.Address(req.Provider)); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferOwnershipRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	id, ok := hashParam(w, r, "id")
	if !ok {
		return
	}
	var req transferOwnershipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.resourceService.TransferOwnership(r.Context(), caller, id, domain.Address(req.Owner))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResourceResponse(res))
}

func (s *Server) handleResourceAgreements(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "id")
	if !ok {
		return
	}
	list, err := s.agreementService.ListByResource(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeAgreementList(w, list)
}

func writeAgreementList(w http.ResponseWriter, list []domain.Agreement) {
	items := make([]agreementResponse, len(list))
	for i, a := range list {
		items[i] = toAgreementResponse(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type stepRequest struct {
	Params   json.RawMessage `json:"params"`
	TimeLock uint64          `json:"time_lock"`
	TimeOut  uint64          `json:"time_out"`
}

// createAgreementRequest carries one step per pipeline kind. Pay fulfills the
// lock payment in the same transaction.
type createAgreementRequest struct {
	Seed       domain.Hash   `json:"seed"`
	ResourceID domain.Hash   `json:"resource_id"`
	Steps      []stepRequest `json:"steps"`
	Pay        bool          `json:"pay"`
}

// handleCreateAgreement instantiates the pipeline named by ref with the
// caller as creator.
func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	name := chi.URLParam(r, "ref")
	pipeline, ok := s.engine.Orchestrator.Pipeline(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown pipeline %q", name))
		return
	}
	var req createAgreementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Steps) != len(pipeline.Kinds) {
		writeCodedError(w, http.StatusBadRequest, domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("pipeline %s takes %d steps, got %d", name, len(pipeline.Kinds), len(req.Steps)))
		return
	}
	steps := make([]orchestrator.Step, len(req.Steps))
	for i, st := range req.Steps {
		params, err := conditions.DecodeParams(pipeline.Kinds[i], st.Params)
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		steps[i] = orchestrator.Step{Params: params, TimeLock: st.TimeLock, TimeOut: st.TimeOut}
	}
	params := orchestrator.CreateParams{
		Pipeline:   name,
		Seed:       req.Seed,
		Creator:    caller,
		ResourceID: req.ResourceID,
		Steps:      steps,
	}

	if !req.Pay {
		a, err := s.engine.Orchestrator.CreateAgreement(r.Context(), params)
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createAgreementResponse{Agreement: toAgreementResponse(a)})
		return
	}
	a, lock, err := s.engine.Orchestrator.CreateAgreementAndPay(r.Context(), params)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	lockResp := toConditionResponse(lock)
	writeJSON(w, http.StatusCreated, createAgreementResponse{Agreement: toAgreementResponse(a), Lock: &lockResp})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "ref")
	if !ok {
		return
	}
	details, err := s.agreementService.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsResponse(details))
}

func toDetailsResponse(d agreement.Details) agreementResponse {
	resp := toAgreementResponse(d.Agreement)
	resp.Conditions = make([]conditionResponse, len(d.Conditions))
	for i, c := range d.Conditions {
		resp.Conditions[i] = toConditionResponse(c)
	}
	return resp
}

func (s *Server) handleAgreementEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "ref")
	if !ok {
		return
	}
	events, err := s.agreementService.Timeline(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := toEventResponses(events)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type fulfillRequest struct {
	AgreementID domain.Hash     `json:"agreement_id"`
	Params      json.RawMessage `json:"params"`
}

// handleFulfill fulfills a condition of the kind named by ref with the
// caller as actor.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	kind, err := conditions.ParseKind(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req fulfillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params, err := conditions.DecodeParams(kind, req.Params)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	res, err := s.engine.Set.Fulfill(r.Context(), caller, req.AgreementID, params)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fulfillResponse{
		Condition:  toConditionResponse(res.Condition),
		Settlement: res.Settlement,
		Expired:    res.Expired,
	})
}

func (s *Server) handleGetCondition(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "ref")
	if !ok {
		return
	}
	c, err := s.conditionService.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConditionResponse(c))
}

func (s *Server) handleConditionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := hashParam(w, r, "ref")
	if !ok {
		return
	}
	events, err := s.conditionService.Events(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := toEventResponses(events)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	id, ok := hashParam(w, r, "ref")
	if !ok {
		return
	}
	c, err := s.conditionService.AbortByTimeout(r.Context(), caller, id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConditionResponse(c))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset := domain.Address(chi.URLParam(r, "asset"))
	holder := domain.Address(chi.URLParam(r, "holder"))
	var bal *big.Int
	err := domain.InTx(r.Context(), s.engine.Store, func(tx domain.Tx) error {
		var err error
		bal, err = s.engine.Vault.BalanceOf(r.Context(), tx, asset, holder)
		return err
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.String(), Holder: holder.String(), Balance: bal.String()})
}

type faucetRequest struct {
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

// handleFaucet mints test funds to the caller. Disabled unless configured.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if !s.faucet {
		writeError(w, http.StatusNotFound, "faucet disabled")
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if conditions.IsConditionPrincipal(caller) {
		writeError(w, http.StatusForbidden, "engine principals cannot be funded")
		return
	}
	var req faucetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	asset := domain.Address(req.Asset)
	var bal *big.Int
	err := domain.InTx(r.Context(), s.engine.Store, func(tx domain.Tx) error {
		if err := s.engine.Vault.Mint(r.Context(), tx, asset, caller, req.Amount); err != nil {
			return err
		}
		var err error
		bal, err = s.engine.Vault.BalanceOf(r.Context(), tx, asset, caller)
		return err
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.logger.Info().Str("asset", asset.String()).Str("holder", caller.String()).Str("amount", req.Amount.String()).Msg("faucet_mint")
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.String(), Holder: caller.String(), Balance: bal.String()})
}

type operatorRequest struct {
	NFTContract string `json:"nft_contract"`
	Operator    string `json:"operator"`
	Approved    bool   `json:"approved"`
}

type operatorResponse struct {
	NFTContract string `json:"nft_contract"`
	Holder      string `json:"holder"`
	Operator    string `json:"operator"`
	Approved    bool   `json:"approved"`
}

// handleSetOperator lets the caller approve or revoke an operator for its
// units of one NFT contract.
func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	var req operatorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	contract, operator := domain.Address(req.NFTContract), domain.Address(req.Operator)
	err := domain.InTx(r.Context(), s.engine.Store, func(tx domain.Tx) error {
		return s.engine.Vault.SetApprovalForAll(r.Context(), tx, contract, caller, operator, req.Approved)
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.logger.Info().
		Str("nft_contract", contract.String()).
		Str("holder", caller.String()).
		Str("operator", operator.String()).
		Bool("approved", req.Approved).
		Msg("nft_operator_set")
	writeJSON(w, http.StatusOK, operatorResponse{
		NFTContract: contract.String(),
		Holder:      caller.String(),
		Operator:    operator.String(),
		Approved:    req.Approved,
	})
}
