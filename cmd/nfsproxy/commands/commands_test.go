package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nfsproxy/pkg/api"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/apiclient"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/session"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestVersion(t *testing.T) {
	out := run(t, "version", "--short")
	assert.Equal(t, Version+"\n", out)
	versionShort = false
}

func TestTokenIsSignedWithConfiguredSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.InitConfigToPath(path, false))
	cfg, err := config.MustLoad(path)
	require.NoError(t, err)

	out := strings.TrimSpace(run(t, "token", "--config", path, "--subject", "ops", "--ttl", "1h"))

	svc, err := auth.NewJWTService(auth.JWTConfig{Secret: cfg.API.JWTSecret})
	require.NoError(t, err)
	claims, err := svc.Validate(out)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.IsAdmin())
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestExtractTimestamp(t *testing.T) {
	text := "[2024-01-15 10:30:45] [INFO] Proxy initialized backend=10.0.0.5:2049"
	want := time.Date(2024, 1, 15, 10, 30, 45, 0, time.Local)
	assert.True(t, extractTimestamp(text).Equal(want))

	js := `{"time":"2024-01-15T10:30:45.123Z","level":"INFO","msg":"Proxy initialized"}`
	assert.True(t, extractTimestamp(js).Equal(time.Date(2024, 1, 15, 10, 30, 45, 123e6, time.UTC)))

	assert.True(t, extractTimestamp("no timestamp here").IsZero())
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfsproxy.log")
	lines := []string{
		`{"time":"2024-01-15T10:00:00Z","msg":"one"}`,
		`{"time":"2024-01-15T11:00:00Z","msg":"two"}`,
		`{"time":"2024-01-15T12:00:00Z","msg":"three"}`,
	}
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var buf bytes.Buffer
	offset, err := tailLines(&buf, path, 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), offset)
	assert.Equal(t, lines[1]+"\n"+lines[2]+"\n", buf.String())

	buf.Reset()
	_, err = tailLines(&buf, path, 10, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), `"one"`)
	assert.Contains(t, buf.String(), `"three"`)
}

type degradedBackend struct{}

func (degradedBackend) Health() session.State { return session.StateDegraded }
func (degradedBackend) Sessions() []session.Info {
	return []session.Info{{ID: "s-1", State: session.StateDegraded}}
}

func TestCollectStatusWithoutHandleMap(t *testing.T) {
	secret := strings.Repeat("s", 32)
	svc, err := auth.NewJWTService(auth.JWTConfig{Secret: secret})
	require.NoError(t, err)
	server := httptest.NewServer(api.NewRouter(api.Deps{Sessions: degradedBackend{}}, svc))
	defer server.Close()

	cfg := config.GetDefaultConfig()
	cfg.API.JWTSecret = secret
	statusToken = ""
	t.Setenv("NFSPROXY_TOKEN", "")
	token, err := statusBearer(cfg)
	require.NoError(t, err)

	report, err := collectStatus(context.Background(), apiclient.New(server.URL).WithToken(token))
	require.NoError(t, err)
	assert.Equal(t, session.StateDegraded.String(), report.Health)
	assert.Nil(t, report.HandleMap)
	require.Len(t, report.Rows(), 1)
	assert.Equal(t, "never", report.Rows()[0][5])
}
