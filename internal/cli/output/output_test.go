package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":      FormatTable,
		"table": FormatTable,
		"JSON":  FormatJSON,
		" yml ": FormatYAML,
		"yaml":  FormatYAML,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestPrintTable(t *testing.T) {
	tbl := NewTable("SHARD", "ENTRIES")
	tbl.AddRow("0", "12")
	tbl.AddRow("1", "7")

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, tbl))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "SHARD")
	assert.Contains(t, lines[2], "7")
}

func TestPrintStructured(t *testing.T) {
	data := map[string]int{"removed": 3}

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatJSON, data))
	assert.JSONEq(t, `{"removed":3}`, buf.String())

	buf.Reset()
	require.NoError(t, Print(&buf, FormatYAML, data))
	assert.Equal(t, "removed: 3\n", buf.String())

	// Not a TableRenderer: table falls back to JSON.
	buf.Reset()
	require.NoError(t, Print(&buf, FormatTable, data))
	assert.JSONEq(t, `{"removed":3}`, buf.String())
}

func TestKeyValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KeyValues(&buf, [][2]string{{"Generation", "g1"}, {"Entries", "10"}}))
	assert.Contains(t, buf.String(), "Generation")
	assert.Contains(t, buf.String(), "g1")
}

func TestAge(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "never", Age(time.Time{}, now))
	assert.Equal(t, "5s", Age(now.Add(-5*time.Second), now))
	assert.Equal(t, "2m 30s", Age(now.Add(-150*time.Second), now))
	assert.Equal(t, "3h 0m", Age(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d 1h", Age(now.Add(-49*time.Hour), now))
	assert.Equal(t, "0s", Age(now.Add(time.Minute), now))
}
