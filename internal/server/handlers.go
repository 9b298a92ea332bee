package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 64 << 10

type route struct {
	method  string
	pattern string
	name    string
	handle  func(r *http.Request, params map[string]string) (interface{}, error)
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []route{
		{"POST", "/v1/commands/{type}", "command", s.handleCommand},

		// Live views, answered by the engine itself
		{"GET", "/v1/pool", "pool", s.handlePool},
		{"GET", "/v1/accounts/{user_id}", "account", s.handleAccount},

		// Projections and the event log
		{"GET", "/v1/projections/pool", "projected_pool", s.handleProjectedPool},
		{"GET", "/v1/accounts/{user_id}/projection", "projected_account", s.handleProjectedAccount},
		{"GET", "/v1/accounts/{user_id}/journal", "journal", s.handleJournal},
		{"GET", "/v1/liquidations", "liquidations", s.handleLiquidations},
		{"GET", "/v1/events", "events", s.handleEvents},

		// Admin, owner only
		{"POST", "/v1/admin/snapshot", "admin_snapshot", s.owner(s.handleSnapshot)},
		{"POST", "/v1/admin/projections/rebuild", "admin_rebuild", s.owner(s.handleRebuild)},
		{"GET", "/v1/admin/integrity", "admin_integrity", s.owner(s.handleIntegrity)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// instrument adapts a route to the gateway and records API metrics.
func (s *Server) instrument(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code := http.StatusOK

		resp, err := rt.handle(r, params)
		if err != nil {
			code = writeError(w, err)
			s.deps.Logger.Debug().Err(err).Str("route", rt.name).Int("status", code).Msg("request failed")
		} else {
			writeJSON(w, code, resp)
		}

		if m := s.deps.Metrics; m != nil {
			m.APIRequests.WithLabelValues(rt.name, strconv.Itoa(code)).Inc()
			m.APIDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
	}
}

// caller resolves who is acting. With auth enabled the token subject wins
// and a conflicting body caller is rejected.
func (s *Server) caller(r *http.Request, claimed string) (uuid.UUID, error) {
	if !s.deps.Auth.Enabled() {
		id, err := uuid.Parse(claimed)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: caller: %v", ingestion.ErrMalformedCommand, err)
		}
		return id, nil
	}
	id, err := s.deps.Auth.Identity(r)
	if err != nil {
		return uuid.Nil, err
	}
	if claimed != "" && claimed != id.String() {
		return uuid.Nil, status.Error(codes.PermissionDenied, "caller does not match token subject")
	}
	return id, nil
}

// owner guards admin routes. Without auth they are open, for local runs.
func (s *Server) owner(next func(*http.Request, map[string]string) (interface{}, error)) func(*http.Request, map[string]string) (interface{}, error) {
	return func(r *http.Request, params map[string]string) (interface{}, error) {
		if s.deps.Auth.Enabled() {
			id, err := s.deps.Auth.Identity(r)
			if err != nil {
				return nil, err
			}
			var owner uuid.UUID
			if err := s.deps.Processor.Query(r.Context(), func(e *core.Engine) error {
				owner = e.Pool().Owner
				return nil
			}); err != nil {
				return nil, err
			}
			if id != owner {
				return nil, status.Error(codes.PermissionDenied, "owner only")
			}
		}
		return next(r, params)
	}
}

// --- Commands ---

type commandResponse struct {
	*core.Receipt
	StateHash string `json:"state_hash,omitempty"`
}

func (s *Server) handleCommand(r *http.Request, params map[string]string) (interface{}, error) {
	var req ingestion.CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ingestion.ErrMalformedCommand, err)
	}
	req.Type = params["type"]

	caller, err := s.caller(r, req.Caller)
	if err != nil {
		return nil, err
	}
	req.Caller = caller.String()

	cmd, err := req.ToCommand()
	if err != nil {
		return nil, err
	}
	cmd.Source = "http"

	receipt, err := s.deps.Processor.Submit(r.Context(), cmd)
	if err != nil {
		return nil, err
	}
	resp := commandResponse{Receipt: receipt}
	if receipt.StateHash != ([32]byte{}) {
		resp.StateHash = hex.EncodeToString(receipt.StateHash[:])
	}
	return resp, nil
}

// --- Live views ---

type accountView struct {
	UserID          uuid.UUID `json:"user_id"`
	Deposits        uint64    `json:"deposits,string"`
	Collateral      uint64    `json:"collateral,string"`
	Borrows         uint64    `json:"borrows,string"`
	CollateralValue uint64    `json:"collateral_value,string"`
	BorrowValue     uint64    `json:"borrow_value,string"`
	HealthFactor    uint64    `json:"health_factor,string"`
	Healthy         bool      `json:"healthy"`
	Sequence        int64     `json:"sequence"`
}

func (s *Server) handleAccount(r *http.Request, params map[string]string) (interface{}, error) {
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return nil, err
	}

	view := accountView{UserID: id}
	err = s.deps.Processor.Query(r.Context(), func(e *core.Engine) error {
		acct := e.Account(id)
		view.Deposits, view.Collateral, view.Borrows = acct.Deposits, acct.Collateral, acct.Borrows
		view.Sequence = e.GetSequence()

		var err error
		if view.CollateralValue, err = e.CollateralValue(id); err != nil {
			return err
		}
		if view.BorrowValue, err = e.BorrowValue(id); err != nil {
			return err
		}
		if view.HealthFactor, err = e.HealthFactor(id); err != nil {
			return err
		}
		view.Healthy, err = e.IsHealthy(id, 0)
		return err
	})
	return view, err
}

func (s *Server) handlePool(r *http.Request, _ map[string]string) (interface{}, error) {
	var pool core.PoolView
	err := s.deps.Processor.Query(r.Context(), func(e *core.Engine) error {
		pool = e.Pool()
		return nil
	})
	return pool, err
}

// --- Projections ---

func (s *Server) queries() (Queries, error) {
	if s.deps.Queries == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	return s.deps.Queries, nil
}

func (s *Server) handleProjectedAccount(r *http.Request, params map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return nil, err
	}
	return q.GetAccount(r.Context(), id)
}

func (s *Server) handleProjectedPool(r *http.Request, _ map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	return q.GetPool(r.Context())
}

func (s *Server) handleJournal(r *http.Request, params map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	after, err := queryOptionalInt64(r, "after_sequence")
	if err != nil {
		return nil, err
	}
	return q.GetJournalHistory(r.Context(), id, limit, after)
}

func (s *Server) handleLiquidations(r *http.Request, _ map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	var target *uuid.UUID
	if raw := r.URL.Query().Get("target"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid target: %v", err)
		}
		target = &id
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryOptionalInt64(r, "before_sequence")
	if err != nil {
		return nil, err
	}
	return q.ListLiquidations(r.Context(), target, limit, before)
}

func (s *Server) handleEvents(r *http.Request, _ map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	after, err := queryOptionalInt64(r, "after_sequence")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	var from int64
	if after != nil {
		from = *after
	}
	return q.ListEvents(r.Context(), from, limit)
}

// --- Admin ---

func (s *Server) handleSnapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.Snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := s.deps.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"sequence": seq}, nil
}

func (s *Server) handleRebuild(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.Rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	// Rebuilds outlive a dropped client connection
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Rebuild(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"rebuilt": true}, nil
}

func (s *Server) handleIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	q, err := s.queries()
	if err != nil {
		return nil, err
	}
	return q.VerifyIntegrity(r.Context())
}

// --- helpers ---

func pathUUID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return v, nil
}

func queryOptionalInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return &v, nil
}
