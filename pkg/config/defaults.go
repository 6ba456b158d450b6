package config

import (
	"strings"
	"time"

	"github.com/marmos91/nfsproxy/internal/bytesize"
)

// Defaults for the backend connection, matching the historical proxy options.
const (
	DefaultNFSPort       = 2049
	DefaultNFSProgram    = 100003
	DefaultNFSVersion    = 4
	DefaultBufferSize    = 32768
	DefaultCallTimeout   = 60 * time.Second
	DefaultRetrySleep    = 10 * time.Second
	DefaultCredLifetime  = 24 * time.Hour
	DefaultRenewLead     = 5 * time.Minute
	DefaultDatabaseCount = 8
	DefaultHashtableSize = 103
)

// ApplyDefaults fills zero values whose zero is never a valid setting.
//
// Options where zero is meaningful (retry_sleep, credential_lifetime,
// max_entries_per_shard, boolean switches) keep whatever was loaded; their
// defaults come from GetDefaultConfig through Load.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyAPIDefaults(&cfg.API)
	applyRemoteServerDefaults(&cfg.RemoteServer)
	applyHandleMapDefaults(&cfg.HandleMap)
	applyFSInfoDefaults(&cfg.FSInfo)
	applyBackupDefaults(&cfg.Backup)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
}

func applyRemoteServerDefaults(cfg *RemoteServerConfig) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNFSPort
	}
	if cfg.Program == 0 {
		cfg.Program = DefaultNFSProgram
	}
	if cfg.Version == 0 {
		cfg.Version = DefaultNFSVersion
	}
	if cfg.SendSize == 0 {
		cfg.SendSize = DefaultBufferSize
	}
	if cfg.RecvSize == 0 {
		cfg.RecvSize = DefaultBufferSize
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 1
	}
	if cfg.DegradedPolicy == "" {
		cfg.DegradedPolicy = DegradedWait
	}
	cfg.DegradedPolicy = DegradedPolicy(strings.ToLower(string(cfg.DegradedPolicy)))

	sec := &cfg.Security
	if sec.SecType == "" {
		sec.SecType = "krb5"
	}
	sec.SecType = strings.ToLower(sec.SecType)
	if sec.KeytabPath == "" {
		sec.KeytabPath = "/etc/krb5.keytab"
	}
	if sec.Krb5Conf == "" {
		sec.Krb5Conf = "/etc/krb5.conf"
	}
	if sec.KeytabPollInterval == 0 {
		sec.KeytabPollInterval = time.Minute
	}
}

func applyHandleMapDefaults(cfg *HandleMapConfig) {
	if cfg.DatabasesDirectory == "" {
		cfg.DatabasesDirectory = "/var/nfsproxy/handlemap"
	}
	if cfg.TempDirectory == "" {
		cfg.TempDirectory = "/var/nfsproxy/tmp"
	}
	if cfg.DatabaseCount == 0 {
		cfg.DatabaseCount = DefaultDatabaseCount
	}
	if cfg.HashtableSize == 0 {
		cfg.HashtableSize = DefaultHashtableSize
	}
	if cfg.AccessFlushInterval == 0 {
		cfg.AccessFlushInterval = 5 * time.Minute
	}
}

func applyFSInfoDefaults(cfg *FSInfoConfig) {
	if cfg.MaxRead == 0 {
		cfg.MaxRead = bytesize.MiB
	}
	if cfg.MaxWrite == 0 {
		cfg.MaxWrite = bytesize.MiB
	}
}

func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.Destination == "" {
		cfg.Destination = "file"
	}
	if cfg.Directory == "" {
		cfg.Directory = "/var/nfsproxy/backups"
	}
	if cfg.S3.Prefix == "" {
		cfg.S3.Prefix = "handlemap/"
	}
}

// GetDefaultConfig returns a fully defaulted configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{
		RemoteServer: RemoteServerConfig{
			RetrySleep: DefaultRetrySleep,
			Security: SecurityConfig{
				RemotePrincipal:    "nfs@localhost",
				CredentialLifetime: DefaultCredLifetime,
				RenewLead:          DefaultRenewLead,
			},
		},
		HandleMap: HandleMapConfig{Enabled: true},
		FSInfo: FSInfoConfig{
			LinkSupport:       true,
			SymlinkSupport:    true,
			CanSetTime:        true,
			XattrAccessRights: 0o400,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
