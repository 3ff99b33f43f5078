package journal

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, filepath.Join(dir, "journal.db"), j.Path())
	assert.FileExists(t, j.Path())
}

func TestRecordAndRecent(t *testing.T) {
	j := openTest(t)
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	_, err := j.Record(Entry{RequestID: "a", Kind: "tap", Command: "input tap 1 2", Success: true, Duration: 120 * time.Millisecond, ExecutedAt: base})
	require.NoError(t, err)
	_, err = j.Record(Entry{RequestID: "b", Kind: "shell", Command: "false", ExitCode: 1, ExecutedAt: base.Add(time.Second)})
	require.NoError(t, err)

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].RequestID)
	assert.False(t, got[0].Success)
	assert.Equal(t, 1, got[0].ExitCode)
	assert.Equal(t, "a", got[1].RequestID)
	assert.True(t, got[1].Success)
	assert.Equal(t, 120*time.Millisecond, got[1].Duration)
	assert.True(t, base.Equal(got[1].ExecutedAt))

	got, err = j.Recent(1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordTruncatesOutput(t *testing.T) {
	j := openTest(t)
	_, err := j.Record(Entry{RequestID: "x", Kind: "shell", Output: strings.Repeat("o", MaxOutput*2)})
	require.NoError(t, err)

	got, err := j.Recent(1)
	require.NoError(t, err)
	assert.Len(t, got[0].Output, MaxOutput)
	assert.False(t, got[0].ExecutedAt.IsZero())
}

func TestRecordTruncatesOnRuneBoundary(t *testing.T) {
	j := openTest(t)
	// "é" is two bytes, so MaxOutput falls inside one.
	out := "x" + strings.Repeat("é", MaxOutput)
	_, err := j.Record(Entry{RequestID: "x", Kind: "shell", Output: out})
	require.NoError(t, err)

	got, err := j.Recent(1)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got[0].Output))
	assert.Len(t, got[0].Output, MaxOutput-1)
	assert.True(t, strings.HasPrefix(out, got[0].Output))
}

func TestStats(t *testing.T) {
	j := openTest(t)

	stats, err := j.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Nil(t, stats.LastAt)

	for _, e := range []Entry{
		{RequestID: "1", Kind: "tap", Success: true},
		{RequestID: "2", Kind: "tap", ErrorKind: "command_timeout"},
		{RequestID: "3", Kind: "key", ErrorKind: "session_lost"},
		{RequestID: "4", Kind: "key", ErrorKind: "session_lost"},
	} {
		_, err := j.Record(e)
		require.NoError(t, err)
	}

	stats, err = j.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, map[string]int{"command_timeout": 1, "session_lost": 2}, stats.ByErrorKind)
	assert.NotNil(t, stats.LastAt)
}

func TestPrune(t *testing.T) {
	j := openTest(t)
	now := time.Now()
	_, err := j.Record(Entry{RequestID: "old", Kind: "tap", ExecutedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = j.Record(Entry{RequestID: "new", Kind: "tap", ExecutedAt: now})
	require.NoError(t, err)

	n, err := j.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].RequestID)
}

func TestSessions(t *testing.T) {
	j := openTest(t)

	id, err := j.SessionStarted("tcp:10.0.0.2:5555", "device::ro.product.model=Frame")
	require.NoError(t, err)
	require.NoError(t, j.SessionEnded(id, "transport read: EOF"))
	// Ending twice keeps the first reason.
	require.NoError(t, j.SessionEnded(id, "again"))

	open, err := j.SessionStarted("tcp:10.0.0.2:5555", "device::")
	require.NoError(t, err)

	got, err := j.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[int64]Session{got[0].ID: got[0], got[1].ID: got[1]}
	require.NotNil(t, byID[id].EndedAt)
	assert.Equal(t, "transport read: EOF", byID[id].EndReason)
	assert.Nil(t, byID[open].EndedAt)
}
