package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskhive/pkg/logx"
)

func newFileStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "hive.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, dir
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		_, err := Open(Config{Driver: driver}, logx.Nop())
		assert.ErrorIs(t, err, ErrDisabled)
	}
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}

func TestDocRoundTrip(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	type state struct {
		RunCount uint64    `json:"runCount"`
		LastRun  time.Time `json:"lastRun"`
	}
	in := map[string]state{
		"scan": {RunCount: 12, LastRun: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, st.SaveDoc(ctx, "worker_state", in))

	var out map[string]state
	found, err := st.LoadDoc(ctx, "worker_state", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestLoadDocMissing(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)

	var out map[string]any
	found, err := st.LoadDoc(context.Background(), "nope", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveDocReplacesWholeDocument(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveDoc(ctx, "claims", map[string]int{"a": 1, "b": 2}))
	require.NoError(t, st.SaveDoc(ctx, "claims", map[string]int{"c": 3}))

	var out map[string]int
	found, err := st.LoadDoc(ctx, "claims", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]int{"c": 3}, out)
}

func TestDocKeySanitized(t *testing.T) {
	t.Parallel()
	st, dir := newFileStore(t)
	require.NoError(t, st.SaveDoc(context.Background(), "../evil key", map[string]int{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "..")
	}
	_, err = os.Stat(filepath.Join(dir, "hive.___evil_key.json"))
	assert.NoError(t, err)
}

func TestAppendAuditIsJSONL(t *testing.T) {
	t.Parallel()
	st, dir := newFileStore(t)
	ctx := context.Background()

	for i, action := range []string{"claim", "steal", "worker_run"} {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{
			At:     time.Date(2026, 8, 30, 10, i, 0, 0, time.UTC),
			Actor:  "agent-a",
			Action: action,
			Target: "issue-1",
			OK:     true,
		}))
	}

	f, err := os.Open(filepath.Join(dir, "hive.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var actions []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		actions = append(actions, e.Action)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"claim", "steal", "worker_run"}, actions)
}

func TestAppendAuditAfterClose(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendAudit(context.Background(), AuditEntry{Action: "late"}))
}
