// Package config loads phoenix configuration:
// a YAML file decoded over defaults, then PHOENIX_* environment overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cosmicboots/phoenix/chunker"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/logger"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/session"
	"github.com/cosmicboots/phoenix/store/compress"
	"github.com/cosmicboots/phoenix/wire"
)

// EnvPrefix starts the names of environment overrides,
// e.g. PHOENIX_CLIENT_SERVER_ADDRESS.
const EnvPrefix = "PHOENIX"

// Config is the whole configuration.
type Config struct {
	Server  Server        `yaml:"server" envconfig:"SERVER"`
	Client  Client        `yaml:"client" envconfig:"CLIENT"`
	Sync    Sync          `yaml:"sync" envconfig:"SYNC"`
	Storage Storage       `yaml:"storage" envconfig:"STORAGE"`
	Log     logger.Config `yaml:"log" envconfig:"LOG"`
}

// Server configures `phoenix serve`.
type Server struct {
	Address     string   `yaml:"address" envconfig:"ADDRESS"`
	PrivateKey  string   `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	AllowedKeys []string `yaml:"allowed_keys" envconfig:"ALLOWED_KEYS"`
	StoragePath string   `yaml:"storage_path" envconfig:"STORAGE_PATH"`

	// DB is the manifest backend: sqlite (in StoragePath) or postgres (at DSN).
	DB  string `yaml:"db" envconfig:"DB"`
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// Client configures `phoenix run`.
type Client struct {
	PrivateKey    string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	ServerAddress string `yaml:"server_address" envconfig:"SERVER_ADDRESS"`
	ServerKey     string `yaml:"server_key" envconfig:"SERVER_KEY"`
	Root          string `yaml:"root" envconfig:"ROOT"`
	StoragePath   string `yaml:"storage_path" envconfig:"STORAGE_PATH"`

	// Device names this machine in conflict copies. It defaults to the hostname.
	Device string `yaml:"device" envconfig:"DEVICE"`
}

// Sync holds the settings both ends of a session use.
type Sync struct {
	Chunker          chunker.Params  `yaml:"chunker" envconfig:"CHUNKER"`
	Protocol         protocol.Params `yaml:"protocol" envconfig:"PROTOCOL"`
	RekeyInterval    uint64          `yaml:"rekey_interval" envconfig:"REKEY_INTERVAL"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
}

// Session is the session.Options these settings describe.
func (s Sync) Session() session.Options {
	return session.Options{RekeyInterval: s.RekeyInterval, HandshakeTimeout: s.HandshakeTimeout}
}

// Storage configures the chunk store.
type Storage struct {
	// Compression is zstd, lz4 or none.
	Compression string `yaml:"compression" envconfig:"COMPRESSION"`

	// CacheSize is the number of chunks kept in the read cache; 0 disables it.
	CacheSize int `yaml:"cache_size" envconfig:"CACHE_SIZE"`

	// Backups are directories of file chunk stores that mirror the primary one.
	Backups []string `yaml:"backups" envconfig:"BACKUPS"`

	GCInterval time.Duration `yaml:"gc_interval" envconfig:"GC_INTERVAL"`
	GCGrace    time.Duration `yaml:"gc_grace" envconfig:"GC_GRACE"`
}

// Default is the configuration before any file or environment is applied.
func Default() *Config {
	return &Config{
		Server: Server{
			Address:     ":7461",
			StoragePath: "~/.local/share/phoenix/server",
			DB:          "sqlite",
		},
		Client: Client{
			Root:        "~/Phoenix",
			StoragePath: "~/.local/share/phoenix/client",
		},
		Sync: Sync{
			Chunker:          chunker.DefaultParams,
			Protocol:         protocol.DefaultParams,
			RekeyInterval:    session.DefaultRekeyInterval,
			HandshakeTimeout: 10 * time.Second,
		},
		Storage: Storage{
			Compression: "zstd",
			CacheSize:   1024,
			GCInterval:  10 * time.Minute,
			GCGrace:     gc.DefaultGrace,
		},
		Log: logger.DefaultConfig,
	}
}

// Candidates lists the places Find looks for a config file, in order.
func Candidates() []string {
	var out []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		out = append(out, filepath.Join(xdg, "phoenix", "config.yaml"))
	}
	if home, err := homedir.Dir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "phoenix", "config.yaml"))
	}
	return append(out, "config.yaml")
}

// Find returns the first existing file among Candidates, or "" if there is none.
func Find() string {
	for _, c := range Candidates() {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c
		}
	}
	return ""
}

// Load reads the configuration.
// An empty filename means the first of Candidates that exists, or none.
// Environment overrides are applied after the file, and ~ is expanded in paths.
// The result is not validated.
func Load(filename string) (*Config, error) {
	if filename == "" {
		filename = Find()
	}

	c := Default()
	if filename != "" {
		expanded, err := homedir.Expand(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding %s", filename)
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", expanded)
		}
		if err = c.decode(data); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", expanded)
		}
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, errors.Wrap(err, "applying environment")
	}

	paths := []*string{&c.Server.StoragePath, &c.Client.Root, &c.Client.StoragePath}
	for i := range c.Storage.Backups {
		paths = append(paths, &c.Storage.Backups[i])
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding %s", *p)
		}
		*p = expanded
	}
	return c, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(c)
	if errors.Is(err, io.EOF) {
		// An empty file.
		return nil
	}
	return err
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the settings every command uses.
// Keys, if set, must parse; role-specific requirements are checked by ValidateServer and ValidateClient.
func (c *Config) Validate() error {
	if err := c.Sync.Chunker.Validate(); err != nil {
		return errors.Wrap(err, "sync.chunker")
	}
	if c.Sync.Chunker.MaxSize > wire.MaxChunk {
		return fmt.Errorf("sync.chunker.max_size %d exceeds the largest sendable chunk, %d", c.Sync.Chunker.MaxSize, wire.MaxChunk)
	}
	if err := c.Sync.Protocol.Validate(); err != nil {
		return errors.Wrap(err, "sync.protocol")
	}
	if c.Sync.HandshakeTimeout < 0 {
		return fmt.Errorf("sync.handshake_timeout %s is negative", c.Sync.HandshakeTimeout)
	}
	if _, err := compress.ByName(c.Storage.Compression); err != nil {
		return errors.Wrap(err, "storage.compression")
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size %d is negative", c.Storage.CacheSize)
	}
	if c.Storage.GCInterval < 0 || c.Storage.GCGrace < 0 {
		return fmt.Errorf("storage gc durations must not be negative")
	}
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "log")
	}

	switch c.Server.DB {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("server.db %q must be sqlite or postgres", c.Server.DB)
	}

	keys := []struct{ name, value string }{
		{"server.private_key", c.Server.PrivateKey},
		{"client.private_key", c.Client.PrivateKey},
		{"client.server_key", c.Client.ServerKey},
	}
	for _, k := range keys {
		if k.value == "" {
			continue
		}
		if _, err := session.ParseKey(k.value); err != nil {
			return errors.Wrap(err, k.name)
		}
	}
	if _, err := session.ParseKeys(c.Server.AllowedKeys); err != nil {
		return errors.Wrap(err, "server.allowed_keys")
	}
	return nil
}

// ValidateServer checks that c can run a server.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case c.Server.Address == "":
		return errors.New("server.address is required")
	case c.Server.PrivateKey == "":
		return errors.New("server.private_key is required")
	case len(c.Server.AllowedKeys) == 0:
		return errors.New("server.allowed_keys lists no clients")
	case c.Server.StoragePath == "":
		return errors.New("server.storage_path is required")
	case c.Server.DB == "postgres" && c.Server.DSN == "":
		return errors.New("server.dsn is required for postgres")
	}
	return nil
}

// ValidateClient checks that c can run a client.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case c.Client.PrivateKey == "":
		return errors.New("client.private_key is required")
	case c.Client.ServerAddress == "":
		return errors.New("client.server_address is required")
	case c.Client.ServerKey == "":
		return errors.New("client.server_key is required")
	case c.Client.Root == "":
		return errors.New("client.root is required")
	case c.Client.StoragePath == "":
		return errors.New("client.storage_path is required")
	}
	return nil
}

// Keypair is the server's identity.
func (s Server) Keypair() (session.Keypair, error) {
	return keypair(s.PrivateKey)
}

// Allowed is the list of client keys the server accepts.
func (s Server) Allowed() ([]session.Key, error) {
	return session.ParseKeys(s.AllowedKeys)
}

// Keypair is the client's identity.
func (c Client) Keypair() (session.Keypair, error) {
	return keypair(c.PrivateKey)
}

// ServerPublicKey is the key the server must prove it holds.
func (c Client) ServerPublicKey() (session.Key, error) {
	return session.ParseKey(c.ServerKey)
}

// DeviceName is Device, or the hostname if Device is empty.
func (c Client) DeviceName() string {
	if c.Device != "" {
		return c.Device
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "client"
}

func keypair(private string) (session.Keypair, error) {
	k, err := session.ParseKey(private)
	if err != nil {
		return session.Keypair{}, err
	}
	return session.KeypairFromPrivate(k)
}
