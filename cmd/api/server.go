package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/condition"
	"escrowflow/domain"
	"escrowflow/engine"
	"escrowflow/observability"
	"escrowflow/resource"
	"escrowflow/template"
)

type ctxKey string

const (
	ctxKeyUserID  ctxKey = "userID"
	ctxKeyAddress ctxKey = "address"
	ctxKeyRole    ctxKey = "role"
)

const maxBodyBytes = 1 << 20

// Server exposes the engine over HTTP.
type Server struct {
	engine           *engine.Engine
	authService      *auth.Service
	templateService  *template.Service
	resourceService  *resource.Service
	agreementService *agreement.Service
	conditionService *condition.Service
	faucet           bool
	logger           zerolog.Logger
}

// NewServer builds the per-concern services on top of e.
func NewServer(e *engine.Engine, authService *auth.Service, faucet bool, logger zerolog.Logger) *Server {
	return &Server{
		engine:           e,
		authService:      authService,
		templateService:  template.NewService(e.Store, e.Templates),
		resourceService:  resource.NewService(e.Store, e.Resources),
		agreementService: agreement.NewService(e.Store, e.Agreements),
		conditionService: condition.NewService(e.Store, e.Conditions),
		faucet:           faucet,
		logger:           logger,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Get("/templates/{id}/agreements", s.handleTemplateAgreements)
		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{id}", s.handleGetResource)
		r.Get("/resources/{id}/agreements", s.handleResourceAgreements)
		r.Get("/agreements/{ref}", s.handleGetAgreement)
		r.Get("/agreements/{ref}/events", s.handleAgreementEvents)
		r.Get("/conditions/{ref}", s.handleGetCondition)
		r.Get("/conditions/{ref}/events", s.handleConditionEvents)
		r.Get("/balances/{asset}/{holder}", s.handleBalance)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/resources", s.handleRegisterResource)
			r.Post("/resources/{id}/providers", s.handleAddProvider)
			r.Post("/resources/{id}/owner", s.handleTransferOwnership)
			r.Post("/agreements/{ref}", s.handleCreateAgreement)
			r.Post("/conditions/{ref}/fulfill", s.handleFulfill)
			r.Post("/conditions/{ref}/abort", s.handleAbort)
			r.Post("/nft/operators", s.handleSetOperator)
			r.Post("/faucet", s.handleFaucet)

			r.Group(func(r chi.Router) {
				r.Use(s.requireGovernance)
				r.Post("/templates", s.handleProposeTemplate)
				r.Post("/templates/{id}/approve", s.handleApproveTemplate)
				r.Post("/templates/{id}/revoke", s.handleRevokeTemplate)
			})
		})
	})
	return r
}

// authenticate resolves the bearer token into the caller's address.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.PrincipalID)
		ctx = context.WithValue(ctx, ctxKeyAddress, claims.Address)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireGovernance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleGovernance {
			writeError(w, http.StatusForbidden, "governance role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(r *http.Request) (domain.Address, bool) {
	addr, ok := r.Context().Value(ctxKeyAddress).(domain.Address)
	return addr, ok && !addr.IsZero()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeCodedError(w http.ResponseWriter, status int, code domain.Code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusOf maps an engine error code to an HTTP status.
func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyExists, domain.CodeRoleAlreadyGranted:
		return http.StatusConflict
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeInvalidArgument, domain.CodeArgumentLengthMismatch, domain.CodeInvalidReceiver:
		return http.StatusBadRequest
	case domain.CodeReleaseConditionNotYetResolved:
		return http.StatusTooEarly
	default:
		return http.StatusUnprocessableEntity
	}
}

// handleDomainError writes the response for an engine failure.
func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	code, ok := domain.CodeOf(err)
	if !ok {
		s.logger.Error().Err(err).Msg("unexpected engine error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var derr *domain.Error
	message := string(code)
	if errors.As(err, &derr) {
		message = derr.Message
	}
	writeCodedError(w, statusOf(code), code, message)
}

func (s *Server) handleAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrDuplicateAddress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRequest), errors.Is(err, auth.ErrReservedAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrGovernanceReserved):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error().Err(err).Msg("auth failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
