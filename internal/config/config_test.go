package config_test

import (
	"strings"
	"testing"

	"bnuystore/internal/config"
)

const sampleConfig = `
[catalog]
type = "mysql"
dsn = "bnuy@unix(/run/mysqld/mysqld.sock)/bnuystore"

[http]
listen_addr = "127.0.0.1:8080"

[sftp]
listen_addr = "127.0.0.1:2022"
host_key_path = "/etc/bnuystore/host_key"
banner = "welcome to bnuystore!!\n"

[client]
dial_timeout_ms = 2000
max_attempts = 3

[placement]
probe_ttl_ms = 3000

[storage_nodes.alpha]
addr = "10.0.0.10:9000"

[storage_nodes.beta]
addr = "10.0.0.11:9000"
`

func TestRead(t *testing.T) {
	m := &config.Manager{}
	cfg, err := m.Read(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.Catalog.Type != "mysql" {
		t.Errorf("Catalog.Type = %q, want mysql", cfg.Catalog.Type)
	}
	if cfg.HTTP.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("HTTP.ListenAddr = %q", cfg.HTTP.ListenAddr)
	}
	if cfg.SFTP.Banner != "welcome to bnuystore!!\n" {
		t.Errorf("SFTP.Banner = %q", cfg.SFTP.Banner)
	}
	if got := len(cfg.StorageNodes); got != 2 {
		t.Fatalf("len(StorageNodes) = %d, want 2", got)
	}
	if cfg.StorageNodes["alpha"].Addr != "10.0.0.10:9000" {
		t.Errorf("alpha addr = %q", cfg.StorageNodes["alpha"].Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNodeNamesStableOrder(t *testing.T) {
	cfg := &config.Config{
		StorageNodes: map[string]config.StorageNodeConfig{
			"gamma": {Addr: "a"},
			"alpha": {Addr: "b"},
			"beta":  {Addr: "c"},
		},
	}
	got := cfg.NodeNames()
	want := []string{"alpha", "beta", "gamma"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NodeNames() = %v, want %v", got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects unknown catalog type", func(t *testing.T) {
		cfg := &config.Config{Catalog: config.CatalogConfig{Type: "postgres"}}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for unknown catalog type")
		}
	})

	t.Run("rejects mysql without dsn", func(t *testing.T) {
		cfg := &config.Config{Catalog: config.CatalogConfig{Type: "mysql"}}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for missing dsn")
		}
	})

	t.Run("rejects node without addr", func(t *testing.T) {
		cfg := &config.Config{
			Catalog:      config.CatalogConfig{Type: "sqlite", Path: ":memory:"},
			StorageNodes: map[string]config.StorageNodeConfig{"alpha": {}},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for missing node addr")
		}
	})
}
