package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// Config is the front node configuration: where the catalog lives, where
// the protocol gateways listen, and which storage nodes are addressable.
// The storage node set here is the sole source of which nodes can receive
// traffic; the catalog's nodes table only ever grows from it.
type Config struct {
	Catalog      CatalogConfig                `toml:"catalog"`
	HTTP         HTTPConfig                   `toml:"http"`
	SFTP         SFTPConfig                   `toml:"sftp"`
	Client       ClientConfig                 `toml:"client"`
	Placement    PlacementConfig              `toml:"placement"`
	StorageNodes map[string]StorageNodeConfig `toml:"storage_nodes"`
}

// CatalogConfig selects the relational backend for the catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CatalogConfig struct {
	Type string `toml:"type"`           // "mysql" or "sqlite"
	DSN  string `toml:"dsn,omitempty"`  // only used for type=mysql
	Path string `toml:"path,omitempty"` // only used for type=sqlite; may be ":memory:"
}

// HTTPConfig holds the HTTP API listener settings.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// SFTPConfig holds the SFTP gateway listener settings.
type SFTPConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	HostKeyPath string `toml:"host_key_path"`
	Banner      string `toml:"banner,omitempty"`
}

// ClientConfig tunes the storage node client.
// Zero values fall back to the defaults in the storageclient package.
type ClientConfig struct {
	DialTimeoutMS    int `toml:"dial_timeout_ms"`
	RequestTimeoutMS int `toml:"request_timeout_ms"`
	MaxAttempts      int `toml:"max_attempts"`
}

// PlacementConfig tunes the placement policy.
type PlacementConfig struct {
	// ProbeTTLMS bounds the age of cached reachability results. Keep this
	// small: a stale entry routes new writes to a node that just died.
	ProbeTTLMS int `toml:"probe_ttl_ms"`
}

// StorageNodeConfig is the connection endpoint for one storage node.
// The map key in Config.StorageNodes is the node's registered name.
type StorageNodeConfig struct {
	Addr string `toml:"addr"`
}

// NodeConfig is the storage node daemon configuration.
type NodeConfig struct {
	ListenAddr string          `toml:"listen_addr"`
	Store      BlobStoreConfig `toml:"store"`
}

// BlobStoreConfig selects the blob storage backend for a storage node.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BlobStoreConfig struct {
	Type string `toml:"type"` // "disk", "memory", or "s3"

	// Disk-specific fields (only used when Type == "disk")
	DataDir string `toml:"data_dir,omitempty"`
	// Optional at-rest encryption for the disk store. When set, blobs are
	// age-encrypted before they hit disk. Leave both empty to store raw.
	RecipientPath string `toml:"recipient_path,omitempty"`
	IdentityPath  string `toml:"identity_path,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores
	// Static credentials for the bucket. Leave empty to use the default
	// AWS credential chain.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// NodeNames returns the configured storage node names in stable order.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.StorageNodes))
	for name := range c.StorageNodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks invariants that a typo in the config file would break.
func (c *Config) Validate() error {
	switch c.Catalog.Type {
	case "mysql":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn required for mysql catalog")
		}
	case "sqlite":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog.path required for sqlite catalog")
		}
	default:
		return fmt.Errorf("unknown catalog type: %q", c.Catalog.Type)
	}
	for name, node := range c.StorageNodes {
		if node.Addr == "" {
			return fmt.Errorf("storage node %q has no addr", name)
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config from %s: %w", path, err)
	}
	return cfg, nil
}

// ReadNodeFromFile reads a storage node daemon config from the specified path.
func ReadNodeFromFile(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg NodeConfig
	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return &cfg, nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
