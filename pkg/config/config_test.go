package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// yamlSafePath keeps Windows backslashes out of double-quoted YAML strings.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func TestLoad_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
logging:
  level: "debug"

remote_server:
  address: "nfs.example.com"
  call_timeout: 30s
  retry_sleep: 0s

handlemap:
  databases_directory: "` + yamlSafePath(tmpDir) + `/db"
  temp_directory: "` + yamlSafePath(tmpDir) + `/tmp"
  hashtable_size: 31
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.RemoteServer.Address != "nfs.example.com" {
		t.Errorf("Expected address nfs.example.com, got %q", cfg.RemoteServer.Address)
	}
	if cfg.RemoteServer.CallTimeout != 30*time.Second {
		t.Errorf("Expected call_timeout 30s, got %v", cfg.RemoteServer.CallTimeout)
	}
	if cfg.RemoteServer.RetrySleep != 0 {
		t.Errorf("Expected explicit retry_sleep 0 to be kept, got %v", cfg.RemoteServer.RetrySleep)
	}
	if cfg.RemoteServer.Port != DefaultNFSPort {
		t.Errorf("Expected default port %d, got %d", DefaultNFSPort, cfg.RemoteServer.Port)
	}
	if !cfg.HandleMap.Enabled {
		t.Error("Expected handle mapping to stay enabled when omitted")
	}
	if cfg.HandleMap.HashtableSize != 31 {
		t.Errorf("Expected hashtable_size 31, got %d", cfg.HandleMap.HashtableSize)
	}
	if cfg.HandleMap.DatabaseCount != DefaultDatabaseCount {
		t.Errorf("Expected database_count %d, got %d", DefaultDatabaseCount, cfg.HandleMap.DatabaseCount)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults when file is missing, got: %v", err)
	}
	if cfg.RemoteServer.RetrySleep != DefaultRetrySleep {
		t.Errorf("Expected retry_sleep %v, got %v", DefaultRetrySleep, cfg.RemoteServer.RetrySleep)
	}
	if cfg.RemoteServer.SendSize != DefaultBufferSize {
		t.Errorf("Expected send_size %d, got %d", DefaultBufferSize, cfg.RemoteServer.SendSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("remote_server: [unterminated"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_OutOfRangeValues(t *testing.T) {
	cases := map[string]string{
		"send_size too small":  "remote_server:\n  send_size: 100\n",
		"call_timeout too big": "remote_server:\n  call_timeout: 5m\n",
		"database_count":       "handlemap:\n  database_count: 17\n",
		"hashtable_size":       "handlemap:\n  hashtable_size: 128\n",
		"retry_sleep":          "remote_server:\n  retry_sleep: 2m\n",
		"credential_lifetime":  "remote_server:\n  security:\n    credential_lifetime: 72h\n",
		"degraded_policy":      "remote_server:\n  degraded_policy: panic\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}
			if _, err := Load(configPath); err == nil {
				t.Fatalf("Expected validation error for %s", name)
			}
		})
	}
}

func TestLoad_OctalModes(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "fs_info:\n  umask: \"022\"\n  xattr_access_rights: \"0600\"\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.FSInfo.Umask != 0o22 {
		t.Errorf("Expected umask 022, got %o", cfg.FSInfo.Umask)
	}
	if cfg.FSInfo.XattrAccessRights != 0o600 {
		t.Errorf("Expected xattr rights 0600, got %o", cfg.FSInfo.XattrAccessRights)
	}
}

func TestLoad_HumanSizes(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "fs_info:\n  maxread: \"512Ki\"\n  maxwrite: 65536\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.FSInfo.MaxRead != 512*1024 {
		t.Errorf("Expected maxread 512Ki, got %d", cfg.FSInfo.MaxRead)
	}
	if cfg.FSInfo.MaxWrite != 65536 {
		t.Errorf("Expected maxwrite 65536, got %d", cfg.FSInfo.MaxWrite)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: INFO\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("NFSPROXY_LOGGING_LEVEL", "WARN")
	t.Setenv("NFSPROXY_REMOTE_SERVER_ADDRESS", "10.1.2.3")
	t.Setenv("NFSPROXY_REMOTE_SERVER_PRIVILEGED_PORT", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected env override WARN, got %q", cfg.Logging.Level)
	}
	if cfg.RemoteServer.Address != "10.1.2.3" {
		t.Errorf("Expected env override address, got %q", cfg.RemoteServer.Address)
	}
	if !cfg.RemoteServer.PrivilegedPort {
		t.Error("Expected env override privileged_port=true")
	}
}

func TestRemoteServerEndpoint(t *testing.T) {
	rs := RemoteServerConfig{Address: "nfs", Port: 2049}
	if got := rs.Endpoint(); got != "nfs:2049" {
		t.Errorf("Expected nfs:2049, got %q", got)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved", "config.yaml")
	cfg := GetDefaultConfig()
	cfg.RemoteServer.Address = "backend.local"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 permissions, got %o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after save failed: %v", err)
	}
	if loaded.RemoteServer.Address != "backend.local" {
		t.Errorf("Expected saved address, got %q", loaded.RemoteServer.Address)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg")
	if got := GetConfigDir(); got != filepath.Join("/custom/xdg", "nfsproxy") {
		t.Errorf("Unexpected config dir %q", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join("/custom/xdg", "nfsproxy", "config.yaml") {
		t.Errorf("Unexpected config path %q", got)
	}
}
