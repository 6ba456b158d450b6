package kerberos

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
)

func TestResolveKeytabPath_EnvVarOverride(t *testing.T) {
	t.Setenv("NFSPROXY_KRB5_KEYTAB", "/env/override/keytab")

	result := resolveKeytabPath("/config/path/keytab")
	if result != "/env/override/keytab" {
		t.Fatalf("expected /env/override/keytab, got %s", result)
	}
}

func TestResolveKeytabPath_FallbackToConfig(t *testing.T) {
	t.Setenv("NFSPROXY_KRB5_KEYTAB", "")

	result := resolveKeytabPath("/config/path/keytab")
	if result != "/config/path/keytab" {
		t.Fatalf("expected /config/path/keytab, got %s", result)
	}
}

func TestResolveClientPrincipal(t *testing.T) {
	t.Setenv("NFSPROXY_KRB5_PRINCIPAL", "")
	if got := resolveClientPrincipal("proxy@EXAMPLE.COM"); got != "proxy@EXAMPLE.COM" {
		t.Fatalf("expected config principal, got %s", got)
	}

	t.Setenv("NFSPROXY_KRB5_PRINCIPAL", "env@EXAMPLE.COM")
	if got := resolveClientPrincipal("proxy@EXAMPLE.COM"); got != "env@EXAMPLE.COM" {
		t.Fatalf("expected env principal, got %s", got)
	}
}

func TestResolveKrb5ConfPath(t *testing.T) {
	t.Setenv("NFSPROXY_KRB5_CONF", "")
	if got := resolveKrb5ConfPath(""); got != "/etc/krb5.conf" {
		t.Fatalf("expected /etc/krb5.conf, got %s", got)
	}
	if got := resolveKrb5ConfPath("/config/krb5.conf"); got != "/config/krb5.conf" {
		t.Fatalf("expected /config/krb5.conf, got %s", got)
	}

	t.Setenv("NFSPROXY_KRB5_CONF", "/env/krb5.conf")
	if got := resolveKrb5ConfPath("/config/krb5.conf"); got != "/env/krb5.conf" {
		t.Fatalf("expected /env/krb5.conf, got %s", got)
	}
}

func createTestKeytab(t *testing.T, dir string) string {
	t.Helper()
	return createTestKeytabWithKVNO(t, dir, "proxy", 1)
}

func createTestKeytabWithKVNO(t *testing.T, dir, principal string, kvno uint8) string {
	t.Helper()

	kt := keytab.New()
	if err := kt.AddEntry(principal, "EXAMPLE.COM", "test-password", time.Now(), kvno, 17); err != nil {
		t.Fatalf("add keytab entry: %v", err)
	}

	data, err := kt.Marshal()
	if err != nil {
		t.Fatalf("marshal test keytab: %v", err)
	}

	path := filepath.Join(dir, "test.keytab")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write test keytab: %v", err)
	}
	return path
}

func newTestProvider(t *testing.T, path string) *Provider {
	t.Helper()
	kt, err := loadKeytab(path)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	p, err := NewProviderFromParts(kt, nil, "")
	if err != nil {
		t.Fatalf("NewProviderFromParts: %v", err)
	}
	p.keytabPath = path
	return p
}

func TestLoadKeytab_ValidFile(t *testing.T) {
	path := createTestKeytab(t, t.TempDir())

	kt, err := loadKeytab(path)
	if err != nil {
		t.Fatalf("loadKeytab failed: %v", err)
	}
	if len(kt.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(kt.Entries))
	}
}

func TestLoadKeytab_NonexistentFile(t *testing.T) {
	if _, err := loadKeytab("/nonexistent/path/keytab"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadKeytab_InvalidData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.keytab")
	if err := os.WriteFile(path, []byte("not a keytab"), 0o600); err != nil {
		t.Fatalf("write bad keytab: %v", err)
	}
	if _, err := loadKeytab(path); err == nil {
		t.Fatal("expected error for invalid keytab data")
	}
}

func TestReloadKeytab_AtomicSwap(t *testing.T) {
	dir := t.TempDir()
	path := createTestKeytabWithKVNO(t, dir, "proxy", 1)
	p := newTestProvider(t, path)

	oldKeytab := p.Keytab()
	oldGen := p.Generation()

	createTestKeytabWithKVNO(t, dir, "proxy", 2)
	if err := p.ReloadKeytab(); err != nil {
		t.Fatalf("ReloadKeytab failed: %v", err)
	}

	if p.Keytab() == oldKeytab {
		t.Fatal("expected keytab to be swapped to a new instance")
	}
	if p.Generation() != oldGen+1 {
		t.Fatalf("expected generation %d, got %d", oldGen+1, p.Generation())
	}
}

func TestReloadKeytab_KeepsOldOnFailure(t *testing.T) {
	path := createTestKeytab(t, t.TempDir())
	p := newTestProvider(t, path)

	oldKeytab := p.Keytab()
	oldGen := p.Generation()

	if err := os.WriteFile(path, []byte("invalid keytab data"), 0o600); err != nil {
		t.Fatalf("write invalid keytab: %v", err)
	}
	if err := p.ReloadKeytab(); err == nil {
		t.Fatal("expected error for invalid keytab data during reload")
	}

	if p.Keytab() != oldKeytab {
		t.Fatal("expected old keytab to be preserved after failed reload")
	}
	if p.Generation() != oldGen {
		t.Fatal("generation must not change on failed reload")
	}
}

func TestKeytabManager_StartStop(t *testing.T) {
	path := createTestKeytab(t, t.TempDir())
	p := newTestProvider(t, path)

	km := NewKeytabManager(path, 0, p)
	if km.interval != defaultKeytabPollInterval {
		t.Fatalf("expected default interval, got %s", km.interval)
	}
	if err := km.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	km.Stop()
	km.Stop()
}

func TestKeytabManager_StartFailsForMissingFile(t *testing.T) {
	p := &Provider{keytabPath: "/nonexistent"}

	km := NewKeytabManager("/nonexistent", time.Second, p)
	if err := km.Start(); err == nil {
		t.Fatal("expected error for nonexistent keytab file")
	}
}

func TestKeytabManager_CheckAndReloadDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := createTestKeytab(t, dir)
	p := newTestProvider(t, path)

	km := NewKeytabManager(path, time.Hour, p)
	if err := km.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer km.Stop()

	if km.checkAndReload() {
		t.Fatal("unchanged keytab must not reload")
	}

	createTestKeytabWithKVNO(t, dir, "proxy", 3)
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if !km.checkAndReload() {
		t.Fatal("expected reload after modification")
	}
	if p.Generation() != 2 {
		t.Fatalf("expected generation 2, got %d", p.Generation())
	}
}
