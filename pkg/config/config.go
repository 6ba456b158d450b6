package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/nfsproxy/internal/bytesize"
)

// Config is the nfsproxy configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (NFSPROXY_*, e.g. NFSPROXY_REMOTE_SERVER_ADDRESS)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`

	// ShutdownTimeout bounds graceful shutdown of sessions and the handle map.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// RemoteServer describes the backend NFS server and how to talk to it.
	RemoteServer RemoteServerConfig `mapstructure:"remote_server" yaml:"remote_server"`

	// HandleMap configures the persistent handle translation store.
	HandleMap HandleMapConfig `mapstructure:"handlemap" yaml:"handlemap"`

	// FSInfo is the static filesystem information reported to clients.
	FSInfo FSInfoConfig `mapstructure:"fs_info" yaml:"fs_info"`

	// Backup configures where handle map snapshots are archived.
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig enables Prometheus collection. Metrics are served by the
// admin API on /metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// JWTSecret signs admin tokens. Must be at least 32 characters when the
	// API is enabled. Override: NFSPROXY_API_JWT_SECRET
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// TokenTTL is the lifetime of tokens minted by `nfsproxy token`.
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// HasJWTSecret reports whether a usable signing secret is configured.
func (c APIConfig) HasJWTSecret() bool {
	return len(c.JWTSecret) >= 32
}

// DegradedPolicy tells callers what to do when a session is reconnecting.
type DegradedPolicy string

const (
	DegradedWait     DegradedPolicy = "wait"
	DegradedFailFast DegradedPolicy = "fail_fast"
)

// RemoteServerConfig describes the backend NFS server.
type RemoteServerConfig struct {
	Address string `mapstructure:"address" validate:"required" yaml:"address"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// Program is the ONC RPC program number (100003 for NFS).
	Program uint32 `mapstructure:"program" validate:"required" yaml:"program"`
	Version uint32 `mapstructure:"version" validate:"required" yaml:"version"`

	SendSize uint32 `mapstructure:"send_size" validate:"min=512,max=131072" yaml:"send_size"`
	RecvSize uint32 `mapstructure:"recv_size" validate:"min=512,max=131072" yaml:"recv_size"`

	// CallTimeout bounds a single RPC, independent of connection health.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"min=1s,max=240s" yaml:"call_timeout"`

	// RetrySleep is the minimum pause between reconnect attempts.
	RetrySleep time.Duration `mapstructure:"retry_sleep" validate:"min=0,max=60s" yaml:"retry_sleep"`

	// PrivilegedPort binds the client socket to a source port below 1024.
	PrivilegedPort bool `mapstructure:"privileged_port" yaml:"privileged_port"`

	PoolSize       int            `mapstructure:"pool_size" validate:"min=1,max=64" yaml:"pool_size"`
	DegradedPolicy DegradedPolicy `mapstructure:"degraded_policy" validate:"oneof=wait fail_fast" yaml:"degraded_policy"`

	// MachineName, UID and GID fill AUTH_SYS credentials for unauthenticated sessions.
	MachineName string `mapstructure:"machine_name" yaml:"machine_name"`
	UID         uint32 `mapstructure:"uid" yaml:"uid"`
	GID         uint32 `mapstructure:"gid" yaml:"gid"`

	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// Endpoint returns address:port.
func (c RemoteServerConfig) Endpoint() string {
	return c.Address + ":" + strconv.Itoa(c.Port)
}

// SecurityConfig holds the Kerberos settings for backend sessions.
type SecurityConfig struct {
	// ActiveKrb5 enables RPCSEC_GSS towards the backend.
	ActiveKrb5 bool `mapstructure:"active_krb5" yaml:"active_krb5"`

	// SecType is krb5 (authentication only, optional), krb5i or krb5p (mandatory).
	SecType string `mapstructure:"sec_type" validate:"oneof=krb5 krb5i krb5p" yaml:"sec_type"`

	// RemotePrincipal is the backend's service principal, e.g. nfs@server.example.com.
	RemotePrincipal string `mapstructure:"remote_principal" yaml:"remote_principal"`

	// ClientPrincipal is the principal used to log in from the keytab.
	ClientPrincipal string `mapstructure:"client_principal" yaml:"client_principal"`

	KeytabPath string `mapstructure:"keytab_path" yaml:"keytab_path"`
	Krb5Conf   string `mapstructure:"krb5_conf" yaml:"krb5_conf"`

	// CredentialLifetime caps the requested credential lifetime.
	CredentialLifetime time.Duration `mapstructure:"credential_lifetime" validate:"min=0,max=48h" yaml:"credential_lifetime"`

	// RenewLead is how long before expiry a context is renewed.
	RenewLead time.Duration `mapstructure:"renew_lead" validate:"min=0" yaml:"renew_lead"`

	// KeytabPollInterval controls hot reload of the keytab file.
	KeytabPollInterval time.Duration `mapstructure:"keytab_poll_interval" yaml:"keytab_poll_interval"`
}

// HandleMapConfig configures the persistent handle translation store.
type HandleMapConfig struct {
	// Enabled selects mapped handles. When false handles pass through unchanged.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	DatabasesDirectory string `mapstructure:"databases_directory" yaml:"databases_directory"`
	TempDirectory      string `mapstructure:"temp_directory" yaml:"temp_directory"`

	DatabaseCount int `mapstructure:"database_count" validate:"min=1,max=16" yaml:"database_count"`
	HashtableSize int `mapstructure:"hashtable_size" validate:"min=1,max=127" yaml:"hashtable_size"`

	// MaxEntriesPerShard rejects inserts past this count. Zero means unlimited.
	MaxEntriesPerShard int `mapstructure:"max_entries_per_shard" validate:"min=0" yaml:"max_entries_per_shard"`

	// AccessFlushInterval is how often last-access times are persisted.
	AccessFlushInterval time.Duration `mapstructure:"access_flush_interval" yaml:"access_flush_interval"`
}

// FSInfoConfig is the static filesystem information block.
type FSInfoConfig struct {
	// MaxRead and MaxWrite accept sizes such as 1Mi or 65536.
	MaxRead           bytesize.ByteSize `mapstructure:"maxread" validate:"min=512,max=1048576" yaml:"maxread"`
	MaxWrite          bytesize.ByteSize `mapstructure:"maxwrite" validate:"min=512,max=1048576" yaml:"maxwrite"`
	LinkSupport       bool        `mapstructure:"link_support" yaml:"link_support"`
	SymlinkSupport    bool        `mapstructure:"symlink_support" yaml:"symlink_support"`
	CanSetTime        bool        `mapstructure:"cansettime" yaml:"cansettime"`
	Umask             os.FileMode `mapstructure:"umask" yaml:"umask"`
	XattrAccessRights os.FileMode `mapstructure:"xattr_access_rights" yaml:"xattr_access_rights"`
	AuthXdevExport    bool        `mapstructure:"auth_xdev_export" yaml:"auth_xdev_export"`
}

// BackupConfig configures snapshot archiving.
type BackupConfig struct {
	// Destination is "file" or "s3".
	Destination string   `mapstructure:"destination" validate:"omitempty,oneof=file s3" yaml:"destination"`
	Directory   string   `mapstructure:"directory" yaml:"directory"`
	S3          S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config holds S3 bucket settings. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Load reads configuration from configPath (or the default location), the
// environment, and defaults, then validates it. A missing file is not an
// error: the defaults plus any NFSPROXY_* overrides are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	if err := registerDefaults(v); err != nil {
		return nil, err
	}

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// registerDefaults seeds viper with every key of the default config. Viper
// only consults the environment for keys it knows about, and explicit
// defaults keep boolean options such as handlemap.enabled from collapsing to
// false when the file omits them.
func registerDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// MustLoad is Load with user-facing instructions when the file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n"+
				"  nfsproxy config init\n\n"+
				"Or pass a file explicitly:\n"+
				"  nfsproxy <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  nfsproxy config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML with owner-only permissions, since the file
// may carry the JWT secret and S3 keys.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NFSPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reports whether a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		fileModeDecodeHook(),
		byteSizeDecodeHook(),
	)
}

// byteSizeDecodeHook accepts "1Mi", "512KB" and plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			if v < 0 {
				return nil, fmt.Errorf("negative size %d", v)
			}
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			if v < 0 {
				return nil, fmt.Errorf("negative size %v", v)
			}
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s", "5m" and raw nanosecond numbers.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// fileModeDecodeHook parses octal strings such as "0400" into os.FileMode.
// Plain YAML integers are taken as already-decoded values.
func fileModeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(os.FileMode(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			m, err := strconv.ParseUint(v, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid octal mode %q: %w", v, err)
			}
			return os.FileMode(m), nil
		case int:
			return os.FileMode(v), nil
		case float64:
			return os.FileMode(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nfsproxy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nfsproxy")
}

// GetDefaultConfigPath returns $XDG_CONFIG_HOME/nfsproxy/config.yaml.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether the default config file exists.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() string {
	return getConfigDir()
}
