package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/internal/chain"
	"vaultd/internal/instruction"
	"vaultd/internal/ledger"
	"vaultd/internal/vault"
)

var (
	apiAdmin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	apiOwner = common.HexToAddress("0x0000000000000000000000000000000000000001")
	apiAsset = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func newTestServer(t *testing.T) (*Server, *vault.Engine) {
	t.Helper()
	engine := vault.NewEngine(vault.NewMemoryStore(), ledger.NewMemoryLedger(), chain.NewManualSource(100))
	queue := instruction.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })
	service := instruction.NewService(instruction.NewMemoryStore(), queue, 3)
	return NewServer(":0", service, engine), engine
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitInstruction(t *testing.T) {
	server, _ := newTestServer(t)

	body := `{"signer":"` + apiOwner.Hex() + `","kind":"deposit","owner":"` + apiOwner.Hex() + `","amount":500}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var in instruction.Instruction
	decodeBody(t, rec, &in)
	if in.ID == "" || in.Status != instruction.StatusPending || in.Kind != vault.KindDeposit {
		t.Fatalf("unexpected record: %+v", in)
	}

	// The stored record is retrievable by ID.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/instructions?id="+in.ID, nil)
	rec = httptest.NewRecorder()
	server.handleInstructions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	cases := map[string]string{
		"malformed json": `{"signer":`,
		"bad signer":     `{"signer":"not-an-address","kind":"deposit"}`,
		"unknown kind":   `{"signer":"` + apiOwner.Hex() + `","kind":"teleport"}`,
		"bad owner":      `{"signer":"` + apiOwner.Hex() + `","kind":"deposit","owner":"xyz"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", strings.NewReader(body))
			rec := httptest.NewRecorder()
			server.handleInstructions(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetInstructionNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instructions?id=missing", nil)
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["code"] != "INSTRUCTION_NOT_FOUND" {
		t.Fatalf("code = %s, want INSTRUCTION_NOT_FOUND", errBody["code"])
	}
}

func TestListInstructions(t *testing.T) {
	server, _ := newTestServer(t)

	for range [3]struct{}{} {
		body := `{"signer":"` + apiOwner.Hex() + `","kind":"deposit","owner":"` + apiOwner.Hex() + `","amount":1}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.handleInstructions(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instructions?status=pending&limit=2&signer="+apiOwner.Hex(), nil)
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var listed []*instruction.Instruction
	decodeBody(t, rec, &listed)
	if len(listed) != 2 {
		t.Fatalf("listed %d, want 2", len(listed))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/instructions/stats", nil)
	rec = httptest.NewRecorder()
	server.handleInstructionStats(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", rec.Code)
	}
	var stats instruction.Stats
	decodeBody(t, rec, &stats)
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConfigEndpoint(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	rec := httptest.NewRecorder()
	server.handleConfig(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before init = %d, want 404", rec.Code)
	}

	if _, err := engine.InitializeConfig(ctx, apiAdmin, apiAsset); err != nil {
		t.Fatalf("InitializeConfig: %v", err)
	}
	rec = httptest.NewRecorder()
	server.handleConfig(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cfg vault.GlobalConfig
	decodeBody(t, rec, &cfg)
	if cfg.Admin != apiAdmin || cfg.SettlementAsset != apiAsset {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestVaultEndpoint(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/vaults", nil)
	rec := httptest.NewRecorder()
	server.handleVaults(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status without owner = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/vaults?owner="+apiOwner.Hex(), nil)
	rec = httptest.NewRecorder()
	server.handleVaults(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown owner = %d, want 404", rec.Code)
	}

	if _, err := engine.InitializeConfig(ctx, apiAdmin, apiAsset); err != nil {
		t.Fatalf("InitializeConfig: %v", err)
	}
	if _, err := engine.CreateVault(ctx, apiOwner); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	rec = httptest.NewRecorder()
	server.handleVaults(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var v vault.Vault
	decodeBody(t, rec, &v)
	if v.Owner != apiOwner || v.Admin != apiOwner {
		t.Fatalf("unexpected vault: %+v", v)
	}
}

func TestDelegatesEndpoint(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()

	if _, err := engine.InitializeConfig(ctx, apiAdmin, apiAsset); err != nil {
		t.Fatalf("InitializeConfig: %v", err)
	}
	if _, err := engine.CreateVault(ctx, apiOwner); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	delegate := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	if _, err := engine.UpsertDelegate(ctx, apiOwner, apiOwner, delegate, vault.PermTrade, 1_000, 200); err != nil {
		t.Fatalf("UpsertDelegate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/delegates?owner="+apiOwner.Hex(), nil)
	rec := httptest.NewRecorder()
	server.handleDelegates(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var listed []*vault.Delegate
	decodeBody(t, rec, &listed)
	if len(listed) != 1 || listed[0].Address != delegate {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/delegates?owner="+apiOwner.Hex()+"&delegate="+delegate.Hex(), nil)
	rec = httptest.NewRecorder()
	server.handleDelegates(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("single status = %d, want 200", rec.Code)
	}

	missing := common.HexToAddress("0x00000000000000000000000000000000000000d2")
	req = httptest.NewRequest(http.MethodGet, "/api/v1/delegates?owner="+apiOwner.Hex()+"&delegate="+missing.Hex(), nil)
	rec = httptest.NewRecorder()
	server.handleDelegates(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing delegate status = %d, want 404", rec.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/instructions", nil)
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/vaults", nil)
	rec = httptest.NewRecorder()
	server.handleVaults(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
