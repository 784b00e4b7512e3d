package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityHigh, ParsePriority(" HIGH "))
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}

func TestPriorityTextRoundTrip(t *testing.T) {
	t.Parallel()
	b, err := PriorityHigh.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(b))

	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("critical")))
	assert.Equal(t, PriorityCritical, p)
}

func TestDescriptorValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.Error(t, r.Register(Descriptor{Interval: time.Minute, Mode: ModeLocal}))
	assert.Error(t, r.Register(Descriptor{Type: "scan", Mode: ModeLocal}))
	assert.Error(t, r.Register(Descriptor{Type: "scan", Interval: time.Minute}))
	assert.Error(t, r.Register(Descriptor{Type: "scan", Interval: time.Minute, Mode: "vm"}))
	assert.NoError(t, r.Register(Descriptor{Type: "scan", Interval: time.Minute, Mode: ModeLocal}))
}

func TestRegistryEnableDisable(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Type: "scan", Interval: time.Minute, Mode: ModeLocal, Enabled: true}))
	require.NoError(t, r.Register(Descriptor{Type: "sync", Interval: time.Hour, Mode: ModeHeadless}))

	enabled := r.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "scan", enabled[0].Type)

	require.NoError(t, r.Enable("sync"))
	require.NoError(t, r.Disable("scan"))
	enabled = r.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "sync", enabled[0].Type)

	assert.Error(t, r.Enable("ghost"))
}

func TestRegistryListSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, typ := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Descriptor{Type: typ, Interval: time.Minute, Mode: ModeLocal}))
	}
	var got []string
	for _, d := range r.List() {
		got = append(got, d.Type)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, got)
}

func TestRecordRunKeepsRunningMean(t *testing.T) {
	t.Parallel()
	var st RuntimeState
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.RecordRun(at, 100*time.Millisecond, true)
	assert.Equal(t, int64(100), st.AvgDurationMs)

	st.RecordRun(at.Add(time.Minute), 200*time.Millisecond, true)
	assert.Equal(t, int64(150), st.AvgDurationMs)

	st.RecordRun(at.Add(2*time.Minute), 300*time.Millisecond, false)
	assert.Equal(t, int64(200), st.AvgDurationMs)

	assert.Equal(t, uint64(3), st.RunCount)
	assert.Equal(t, uint64(2), st.SuccessCount)
	assert.Equal(t, uint64(1), st.FailureCount)
	assert.Equal(t, at.Add(2*time.Minute), st.LastRun)
	assert.Equal(t, st.RunCount, st.SuccessCount+st.FailureCount)
}
