package proxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/nfsproxy/internal/rpcwire"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
	"github.com/marmos91/nfsproxy/pkg/secctx"
	"github.com/marmos91/nfsproxy/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBackend answers every AUTH_SYS call with its arguments.
func echoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msg, err := rpcwire.ReadRecord(c, 0)
					if err != nil {
						return
					}
					h, args, err := rpcwire.DecodeCall(msg)
					if err != nil {
						return
					}
					var reply []byte
					if h.Cred.Flavor != rpcwire.AuthSys {
						reply = rpcwire.EncodeAuthErrorReply(h.XID, rpcwire.AuthTooWeak)
					} else {
						reply = rpcwire.EncodeAcceptedReply(h.XID, rpcwire.NoneAuth, rpcwire.Success, args)
					}
					if err := rpcwire.WriteRecord(c, reply, 0); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.RemoteServer.Address = "127.0.0.1"
	cfg.RemoteServer.Port = port
	cfg.RemoteServer.CallTimeout = 2 * time.Second
	cfg.RemoteServer.RetrySleep = 100 * time.Millisecond
	cfg.RemoteServer.MachineName = "proxy-test"
	cfg.HandleMap.DatabasesDirectory = filepath.Join(root, "db")
	cfg.HandleMap.TempDirectory = filepath.Join(root, "tmp")
	cfg.HandleMap.DatabaseCount = 2
	cfg.HandleMap.HashtableSize = 7
	cfg.HandleMap.AccessFlushInterval = 0
	return cfg
}

func newProxy(t *testing.T, cfg *config.Config) *Proxy {
	t.Helper()
	p, err := New(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestProxyMappedHandles(t *testing.T) {
	ctx := context.Background()
	p := newProxy(t, testConfig(t, echoBackend(t)))
	require.NotNil(t, p.HandleMap())

	remote := []byte("backend-root-handle")
	local, err := p.Export(ctx, remote)
	require.NoError(t, err)
	assert.Len(t, local, handlemap.LocalHandleSize)

	again, err := p.Export(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, local, again, "export must be stable")

	got, err := p.Resolve(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	require.NoError(t, p.Invalidate(ctx, local))
	_, err = p.Resolve(ctx, local)
	assert.True(t, errors.Is(err, handlemap.ErrNotFound))

	_, err = p.Resolve(ctx, []byte("short"))
	assert.True(t, errors.Is(err, handlemap.ErrInvalidHandle))

	explicit := bytes.Repeat([]byte{0xab}, handlemap.LocalHandleSize)
	require.NoError(t, p.Insert(ctx, explicit, []byte("other")))
	err = p.Insert(ctx, explicit, []byte("different"))
	assert.True(t, errors.Is(err, handlemap.ErrAlreadyExists))
}

func TestProxyHandlesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, echoBackend(t))

	p, err := New(ctx, cfg, Deps{})
	require.NoError(t, err)
	local, err := p.Export(ctx, []byte("persistent"))
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))

	p2 := newProxy(t, cfg)
	got, err := p2.Resolve(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), got)
}

func TestProxyPassthrough(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, echoBackend(t))
	cfg.HandleMap.Enabled = false
	p := newProxy(t, cfg)
	assert.Nil(t, p.HandleMap())

	remote := []byte("native-handle")
	local, err := p.Export(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, remote, local)

	got, err := p.Resolve(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	require.NoError(t, p.Insert(ctx, remote, remote))
	assert.True(t, errors.Is(p.Insert(ctx, []byte("a"), []byte("b")), handlemap.ErrAlreadyExists))
	require.NoError(t, p.Invalidate(ctx, remote))

	_, err = p.Resolve(ctx, nil)
	assert.True(t, errors.Is(err, handlemap.ErrInvalidHandle))
}

func TestProxyCall(t *testing.T) {
	ctx := context.Background()
	p := newProxy(t, testConfig(t, echoBackend(t)))
	assert.Equal(t, session.StateDisconnected, p.Health())

	rep, err := p.Call(ctx, &session.Request{Procedure: 1, Args: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, "ping", string(rep.Body))
	assert.Equal(t, session.StateReady, p.Health())

	rtt, err := p.Ping(ctx)
	require.NoError(t, err)
	assert.Positive(t, rtt)

	infos := p.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, secctx.FlavorUnauthenticated, infos[0].Flavor)
}

func TestProxyClose(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testConfig(t, echoBackend(t)), Deps{})
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	_, err = p.Call(ctx, &session.Request{Procedure: 1})
	assert.True(t, errors.Is(err, session.ErrClosed))
	_, err = p.Export(ctx, []byte("x"))
	assert.True(t, errors.Is(err, handlemap.ErrClosed))
}

func TestProxyKerberosUnavailable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.keytab")
	t.Setenv("NFSPROXY_KRB5_KEYTAB", "")

	t.Run("MandatoryFlavorFails", func(t *testing.T) {
		cfg := testConfig(t, echoBackend(t))
		cfg.RemoteServer.Security.ActiveKrb5 = true
		cfg.RemoteServer.Security.SecType = "krb5i"
		cfg.RemoteServer.Security.KeytabPath = missing

		_, err := New(context.Background(), cfg, Deps{})
		require.Error(t, err)
		assert.True(t, secctx.IsFatal(err))
	})

	t.Run("OptionalFlavorFallsBack", func(t *testing.T) {
		cfg := testConfig(t, echoBackend(t))
		cfg.RemoteServer.Security.ActiveKrb5 = true
		cfg.RemoteServer.Security.SecType = "krb5"
		cfg.RemoteServer.Security.KeytabPath = missing

		p := newProxy(t, cfg)
		rep, err := p.Call(context.Background(), &session.Request{Procedure: 1, Args: []byte("sys")})
		require.NoError(t, err)
		assert.Equal(t, "sys", string(rep.Body))

		infos := p.Sessions()
		require.Len(t, infos, 1)
		assert.False(t, infos[0].GSS)
	})
}

func TestFSInfoFromConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	fi := FSInfoFromConfig(cfg.FSInfo)
	assert.Equal(t, uint64(1<<20), fi.MaxRead)
	assert.Equal(t, uint64(1<<20), fi.MaxWrite)
	assert.True(t, fi.LinkSupport)
	assert.Equal(t, uint32(0o400), uint32(fi.XattrAccessRights))
	assert.False(t, fi.AuthXdevExport)
}
