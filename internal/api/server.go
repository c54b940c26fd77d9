// Package api exposes the REST surface: instruction submission and the
// read-only views over vaults, delegates, and the global config.
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/instruction"
	"vaultd/internal/vault"
)

// Server serves the HTTP API in front of the submission pipeline.
type Server struct {
	addr    string
	service *instruction.Service
	engine  *vault.Engine
}

// NewServer builds the API server.
func NewServer(addr string, service *instruction.Service, engine *vault.Engine) *Server {
	return &Server{addr: addr, service: service, engine: engine}
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instructions", s.handleInstructions)
	mux.HandleFunc("/api/v1/instructions/stats", s.handleInstructionStats)
	mux.HandleFunc("/api/v1/config", s.handleConfig)
	mux.HandleFunc("/api/v1/vaults", s.handleVaults)
	mux.HandleFunc("/api/v1/delegates", s.handleDelegates)
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			s.handleGetInstruction(w, r, id)
			return
		}
		s.handleListInstructions(w, r)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

// submitPayload is the wire form of a submission. Addresses are 0x-hex and
// the kind is the operation name.
type submitPayload struct {
	ID           string `json:"id,omitempty"`
	Signer       string `json:"signer"`
	Kind         string `json:"kind"`
	Owner        string `json:"owner,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Delegate     string `json:"delegate,omitempty"`
	NewAdmin     string `json:"new_admin,omitempty"`
	Amount       uint64 `json:"amount,omitempty"`
	Permissions  uint64 `json:"permissions,omitempty"`
	MaxNotional  uint64 `json:"max_notional,omitempty"`
	ExpiryHeight uint64 `json:"expiry_height,omitempty"`
	UnlockAmount uint64 `json:"unlock_amount,omitempty"`
	PnlDelta     int64  `json:"pnl_delta,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "instruction service not initialized", http.StatusServiceUnavailable)
		return
	}

	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	req, err := buildSubmitRequest(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	in, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, in)
}

func buildSubmitRequest(payload submitPayload) (instruction.SubmitRequest, error) {
	signer, err := parseAddress(payload.Signer, "signer")
	if err != nil {
		return instruction.SubmitRequest{}, err
	}
	kind, ok := vault.KindFromString(strings.TrimSpace(payload.Kind))
	if !ok {
		return instruction.SubmitRequest{}, xerrors.New(instruction.CodeValidation, "unknown operation kind")
	}

	op := vault.Operation{
		Kind:         kind,
		Amount:       payload.Amount,
		Permissions:  vault.Permissions(payload.Permissions),
		MaxNotional:  payload.MaxNotional,
		ExpiryHeight: payload.ExpiryHeight,
		UnlockAmount: payload.UnlockAmount,
		PnlDelta:     payload.PnlDelta,
	}
	if payload.Owner != "" {
		if op.Owner, err = parseAddress(payload.Owner, "owner"); err != nil {
			return instruction.SubmitRequest{}, err
		}
	}
	if payload.Asset != "" {
		if op.Asset, err = parseAddress(payload.Asset, "asset"); err != nil {
			return instruction.SubmitRequest{}, err
		}
	}
	if payload.Delegate != "" {
		if op.Delegate, err = parseAddress(payload.Delegate, "delegate"); err != nil {
			return instruction.SubmitRequest{}, err
		}
	}
	if payload.NewAdmin != "" {
		if op.NewAdmin, err = parseAddress(payload.NewAdmin, "new_admin"); err != nil {
			return instruction.SubmitRequest{}, err
		}
	}

	return instruction.SubmitRequest{ID: payload.ID, Signer: signer, Op: op}, nil
}

func (s *Server) handleGetInstruction(w http.ResponseWriter, r *http.Request, id string) {
	if s.service == nil {
		http.Error(w, "instruction service not initialized", http.StatusServiceUnavailable)
		return
	}
	in, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleListInstructions(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "instruction service not initialized", http.StatusServiceUnavailable)
		return
	}

	opts := make([]instruction.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, instruction.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, instruction.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]instruction.Status, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, instruction.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, instruction.WithStatuses(statuses...))
	}
	if raw := query.Get("signer"); raw != "" {
		signer, err := parseAddress(raw, "signer")
		if err != nil {
			writeError(w, err)
			return
		}
		opts = append(opts, instruction.WithSigner(signer))
	}

	results, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleInstructionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "instruction service not initialized", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}
	cfg, err := s.engine.Config(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}
	owner, err := parseAddress(r.URL.Query().Get("owner"), "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.engine.Vault(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDelegates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	owner, err := parseAddress(query.Get("owner"), "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	if raw := query.Get("delegate"); raw != "" {
		delegate, err := parseAddress(raw, "delegate")
		if err != nil {
			writeError(w, err)
			return
		}
		d, err := s.engine.Delegate(r.Context(), owner, delegate)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	delegates, err := s.engine.Delegates(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delegates)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps engine and pipeline errors to HTTP statuses without
// losing the unified error code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, instruction.ErrNotFound),
		stdErrors.Is(err, vault.ErrVaultNotFound),
		stdErrors.Is(err, vault.ErrConfigNotFound),
		stdErrors.Is(err, vault.ErrDelegateNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, instruction.ErrConflict),
		stdErrors.Is(err, vault.ErrAlreadyInitialized),
		stdErrors.Is(err, vault.ErrVaultExists):
		status = http.StatusConflict
	default:
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument, instruction.CodeValidation, xerrors.CodeCodecFailure:
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// withContext rejects new requests once the root context is gone.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
