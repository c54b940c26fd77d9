package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server: {}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %s, want :8080", cfg.Server.Address)
	}
	if cfg.Storage.VaultStore.Driver != "memory" || cfg.Storage.InstructionStore.Driver != "memory" {
		t.Fatalf("storage drivers = %s/%s, want memory/memory",
			cfg.Storage.VaultStore.Driver, cfg.Storage.InstructionStore.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Chain.Driver != "manual" {
		t.Fatalf("queue/chain drivers = %s/%s, want memory/manual", cfg.Queue.Driver, cfg.Chain.Driver)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.MaxRetries != 3 || cfg.Engine.QueueSize != 256 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level = %s, want info", cfg.Logging.Level)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
logging:
  level: debug
  format: json
  audit:
    enabled: true
storage:
  vault_store:
    driver: mysql
    dsn: "user:pass@tcp(127.0.0.1:3306)/vaultd"
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
    queue: "custom:queue"
    block_wait: 2s
chain:
  driver: ethereum
  rpc_url: "http://127.0.0.1:8545"
  cache_window: 3s
engine:
  workers: 8
  max_retries: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address = %s, want :9090", cfg.Server.Address)
	}
	if cfg.Storage.VaultStore.Driver != "mysql" || cfg.Storage.VaultStore.DSN == "" {
		t.Fatalf("vault store = %+v", cfg.Storage.VaultStore)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.BlockWait != 2*time.Second {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Chain.Driver != "ethereum" || cfg.Chain.CacheWindow != 3*time.Second {
		t.Fatalf("chain = %+v", cfg.Chain)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.MaxRetries != 5 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	// The audit path defaults next to the config file.
	want := filepath.Join(filepath.Dir(path), "logs", "audit.log")
	if cfg.Logging.Audit.Path != want {
		t.Fatalf("audit path = %s, want %s", cfg.Logging.Audit.Path, want)
	}
}

func TestLoadRejectsMissingOrMalformed(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := Load(writeConfig(t, "server: [not a map\n")); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}
