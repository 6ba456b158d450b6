package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects output to a buffer at the given level and restores the
// previous settings when the test ends.
func capture(t *testing.T, lvl string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.RLock()
	prevOut, prevColor, prevFormat := output, useColor, format
	mu.RUnlock()
	prevLevel := level.Level()

	InitWithWriter(buf, lvl, "text", false)
	t.Cleanup(func() {
		InitWithWriter(prevOut, "", prevFormat, prevColor)
		level.Set(prevLevel)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"DEBUG", []string{"d-msg", "i-msg", "w-msg", "e-msg"}, nil},
		{"INFO", []string{"i-msg", "w-msg", "e-msg"}, []string{"d-msg"}},
		{"WARN", []string{"w-msg", "e-msg"}, []string{"d-msg", "i-msg"}},
		{"ERROR", []string{"e-msg"}, []string{"d-msg", "i-msg", "w-msg"}},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			buf := capture(t, tc.level)

			Debug("d-msg")
			Info("i-msg")
			Warn("w-msg")
			Error("e-msg")

			out := buf.String()
			for _, s := range tc.visible {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.hidden {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		capture(t, "INFO")
		require.NoError(t, SetLevel("debug"))
		assert.True(t, Enabled(slog.LevelDebug))
	})

	t.Run("RejectsUnknownLevel", func(t *testing.T) {
		capture(t, "WARN")
		assert.Error(t, SetLevel("verbose"))
		assert.False(t, Enabled(slog.LevelInfo))
	})
}

func TestTextFormat(t *testing.T) {
	t.Run("LineLayout", func(t *testing.T) {
		buf := capture(t, "INFO")
		Info("session ready", KeyBackend, "10.0.0.1:2049", KeyXID, uint32(7))

		line := buf.String()
		assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[INFO\] session ready`, line)
		assert.Contains(t, line, "backend=10.0.0.1:2049")
		assert.Contains(t, line, "xid=7")
		assert.True(t, strings.HasSuffix(line, "\n"))
	})

	t.Run("QuotesStringsWithSpaces", func(t *testing.T) {
		buf := capture(t, "INFO")
		Info("x", KeyError, "connection reset by peer")
		assert.Contains(t, buf.String(), `error="connection reset by peer"`)
	})

	t.Run("GroupsArePrefixed", func(t *testing.T) {
		buf := capture(t, "INFO")
		With("component", "handlemap").WithGroup("shard").Info("loaded", "index", 3)
		out := buf.String()
		assert.Contains(t, out, "component=handlemap")
		assert.Contains(t, out, "shard.index=3")
	})

	t.Run("EmptyErrAttrSkipped", func(t *testing.T) {
		buf := capture(t, "INFO")
		Info("done", Err(nil))
		assert.NotContains(t, buf.String(), "error=")
	})
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO")
	require.NoError(t, SetFormat("json"))

	Info("rebuild complete", Entries(42), Generation("g1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "rebuild complete", rec["msg"])
	assert.Equal(t, float64(42), rec[KeyEntries])
	assert.Equal(t, "g1", rec[KeyGeneration])
	assert.Contains(t, rec, "time")
}

func TestSetFormatRejectsUnknown(t *testing.T) {
	capture(t, "INFO")
	assert.Error(t, SetFormat("xml"))
}

func TestContextLogging(t *testing.T) {
	t.Run("PrependsLogContextFields", func(t *testing.T) {
		buf := capture(t, "DEBUG")
		lc := NewLogContext("backend:2049").
			WithCall("s-1", "GETATTR", 99).
			WithSecurity("nfs@host", "krb5i")
		ctx := WithContext(context.Background(), lc)

		DebugCtx(ctx, "call sent", "extra", 1)

		out := buf.String()
		for _, s := range []string{"session_id=s-1", "procedure=GETATTR", "xid=99", "principal=nfs@host", "flavor=krb5i", "extra=1"} {
			assert.Contains(t, out, s)
		}
		assert.Less(t, strings.Index(out, "session_id"), strings.Index(out, "extra"))
	})

	t.Run("NoLogContext", func(t *testing.T) {
		buf := capture(t, "INFO")
		InfoCtx(context.Background(), "plain")
		assert.Contains(t, buf.String(), "plain")
	})

	t.Run("FilteredBeforeFieldExpansion", func(t *testing.T) {
		buf := capture(t, "ERROR")
		WarnCtx(WithContext(context.Background(), NewLogContext("b")), "hidden")
		assert.Empty(t, buf.String())
	})
}

func TestLogContext(t *testing.T) {
	t.Run("CloneIsIndependent", func(t *testing.T) {
		lc := NewLogContext("b")
		c := lc.WithCall("s", "READ", 1)
		assert.Empty(t, lc.Procedure)
		assert.Equal(t, "READ", c.Procedure)
	})

	t.Run("NilSafe", func(t *testing.T) {
		var lc *LogContext
		assert.Nil(t, lc.Clone())
		assert.Nil(t, lc.WithTrace("t", "s"))
		assert.Zero(t, lc.DurationMs())
		assert.Nil(t, FromContext(nil)) //nolint:staticcheck
	})

	t.Run("Duration", func(t *testing.T) {
		lc := &LogContext{StartTime: time.Now().Add(-20 * time.Millisecond)}
		assert.GreaterOrEqual(t, lc.DurationMs(), 20.0)
	})
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, "0a0b", Handle([]byte{0x0a, 0x0b}).Value.String())
	assert.Equal(t, "ff", Remote([]byte{0xff}).Value.String())
	assert.Equal(t, "boom", Err(errors.New("boom")).Value.String())
	assert.True(t, Err(nil).Equal(slog.Attr{}))
}

func TestInitWithFileOutput(t *testing.T) {
	capture(t, "INFO")
	path := filepath.Join(t.TempDir(), "proxy.log")

	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	Info("written to file")
	t.Cleanup(func() {
		mu.Lock()
		if closer != nil {
			_ = closer.Close()
			closer = nil
		}
		mu.Unlock()
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestInitRejectsBadDirectory(t *testing.T) {
	err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestConcurrentLogging(t *testing.T) {
	buf := &lockedBuffer{}
	capture(t, "INFO")
	InitWithWriter(buf, "INFO", "text", false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("concurrent", "worker", i)
				if j%10 == 0 {
					_ = SetLevel("INFO")
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, strings.Count(buf.String(), "concurrent"))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
