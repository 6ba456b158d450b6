package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_BufferSizeBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.RemoteServer.RecvSize = 256 * 1024

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for recv_size above 128K")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_FSInfoSizeBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.FSInfo.MaxWrite = 2 * 1024 * 1024

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for maxwrite above 1Mi")
	}

	cfg.FSInfo.MaxWrite = 1024 * 1024
	cfg.FSInfo.MaxRead = 100
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for maxread below 512")
	}
}

func TestValidate_CallTimeoutBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.RemoteServer.CallTimeout = 500 * time.Millisecond
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for call_timeout below 1s")
	}
}

func TestValidate_APIRequiresSecret(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.Enabled = true
	cfg.API.JWTSecret = "short"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("Expected jwt_secret error, got: %v", err)
	}

	cfg.API.JWTSecret = strings.Repeat("x", 32)
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
}

func TestValidate_Kerberos(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.RemoteServer.Security.ActiveKrb5 = true
	cfg.RemoteServer.Security.RemotePrincipal = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for missing remote principal")
	}

	cfg.RemoteServer.Security.RemotePrincipal = "nfs@server"
	cfg.RemoteServer.Security.RenewLead = 25 * time.Hour
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for renew_lead longer than credential lifetime")
	}
}

func TestValidate_HandleMapDirectories(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.HandleMap.TempDirectory = cfg.HandleMap.DatabasesDirectory + "/"
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error when temp and database directories coincide")
	}

	cfg.HandleMap.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("Directories are irrelevant in passthrough mode: %v", err)
	}
}

func TestValidate_S3BackupNeedsBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backup.Destination = "s3"
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for s3 backup without bucket")
	}
}
