package wal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/wal"
)

type reservePayload struct {
	TenantID     string `json:"tenant_id"`
	EstimatedUSD string `json:"estimated_usd"`
}

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

func TestAppendThenReplayAppliesEveryRecordInOrder(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.NewWriter(dir, wal.DefaultMaxSegmentBytes, 0, discardLogger(), nil)
	require.NoError(t, err)

	seq1, err := w.Append(wal.EventBillingReserve, "01HENTRY0000000000000001", "corr-1", reservePayload{TenantID: "t1", EstimatedUSD: "100000"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := w.Append(wal.EventBillingCommit, "01HENTRY0000000000000001", "corr-1", map[string]string{"actual_cost_micro": "95000"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	require.NoError(t, w.Close())

	var applied []wal.EventType
	result, err := wal.Replay(dir, func(env *wal.Envelope) error {
		applied = append(applied, env.EventType)
		return nil
	}, discardLogger(), nil)
	require.NoError(t, err)

	require.Equal(t, 2, result.EntriesProcessed)
	require.Equal(t, 0, result.EntriesCorrupted)
	require.Equal(t, uint64(2), result.LastSequence)
	require.Equal(t, []wal.EventType{wal.EventBillingReserve, wal.EventBillingCommit}, applied)
}

func TestReplayIsIdempotentAcrossTwoPasses(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.NewWriter(dir, wal.DefaultMaxSegmentBytes, 0, discardLogger(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingReserve, "01HENTRY0000000000000002", "corr-2", reservePayload{TenantID: "t2", EstimatedUSD: "50000"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	applyCount := 0
	apply := func(env *wal.Envelope) error {
		applyCount++
		return nil
	}

	_, err = wal.Replay(dir, apply, discardLogger(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, applyCount)

	// Second replay: the persisted cursor must skip the already-applied record.
	_, err = wal.Replay(dir, apply, discardLogger(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, applyCount, "cursor should have skipped the already-replayed record")
}

func TestReplaySkipsRecordAtOrBelowCursor(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewWriter(dir, wal.DefaultMaxSegmentBytes, 0, discardLogger(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingReserve, "01HENTRY0000000000000003", "corr-3", reservePayload{TenantID: "t3", EstimatedUSD: "1000"})
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingCommit, "01HENTRY0000000000000003", "corr-3", map[string]string{"actual_cost_micro": "900"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(wal.CursorPath(dir), []byte("1"), 0o644))

	var applied []wal.EventType
	result, err := wal.Replay(dir, func(env *wal.Envelope) error {
		applied = append(applied, env.EventType)
		return nil
	}, discardLogger(), nil)
	require.NoError(t, err)

	require.Equal(t, 1, result.EntriesProcessed)
	require.Equal(t, 1, result.EntriesSkipped)
	require.Equal(t, []wal.EventType{wal.EventBillingCommit}, applied)
}

func TestReplayTruncatesTornFinalRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewWriter(dir, wal.DefaultMaxSegmentBytes, 0, discardLogger(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingReserve, "01HENTRY0000000000000004", "corr-4", reservePayload{TenantID: "t4", EstimatedUSD: "2000"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"schema_version":1,"event_type":"billing_commit","timestamp":123,"billing_entry_id":"01HE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sizeBefore, err := os.Stat(segments[0])
	require.NoError(t, err)

	var applied int
	result, err := wal.Replay(dir, func(env *wal.Envelope) error {
		applied++
		return nil
	}, discardLogger(), nil)
	require.NoError(t, err)

	require.Equal(t, 1, applied)
	require.Equal(t, 1, result.EntriesProcessed)
	require.Equal(t, 0, result.EntriesCorrupted, "a torn final record is truncated, not counted as corrupted")

	sizeAfter, err := os.Stat(segments[0])
	require.NoError(t, err)
	require.Less(t, sizeAfter.Size(), sizeBefore.Size())
}

func TestReplayCountsChecksumMismatchAsCorrupted(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewWriter(dir, wal.DefaultMaxSegmentBytes, 0, discardLogger(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingReserve, "01HENTRY0000000000000005", "corr-5", reservePayload{TenantID: "t5", EstimatedUSD: "3000"})
	require.NoError(t, err)
	_, err = w.Append(wal.EventBillingCommit, "01HENTRY0000000000000005", "corr-5", map[string]string{"actual_cost_micro": "2900"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)

	corrupted := data
	idx := indexOf(corrupted, []byte(`"checksum":"`))
	require.GreaterOrEqual(t, idx, 0)
	flipAt := idx + len(`"checksum":"`)
	if corrupted[flipAt] == '0' {
		corrupted[flipAt] = '1'
	} else {
		corrupted[flipAt] = '0'
	}
	require.NoError(t, os.WriteFile(segments[0], corrupted, 0o644))

	result, err := wal.Replay(dir, func(env *wal.Envelope) error { return nil }, discardLogger(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.EntriesCorrupted)
	require.Equal(t, 1, result.EntriesProcessed)
}

func TestReplaySkipsUnknownEventType(t *testing.T) {
	dir := t.TempDir()
	env, err := wal.NewEnvelope(1, wal.EventType("some_future_event"), "01HENTRY0000000000000006", "corr-6", map[string]string{"x": "y"}, time.Now())
	require.NoError(t, err)
	line, err := env.MarshalCanonical()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(segmentPath(t, dir), append(line, '\n'), 0o644))

	result, err := wal.Replay(dir, func(env *wal.Envelope) error { return nil }, discardLogger(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.EntriesSkipped)
	require.Equal(t, 0, result.EntriesProcessed)
}

func TestCanonicalJSONSortsKeysAtEveryDepth(t *testing.T) {
	type nested struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	type outer struct {
		B string `json:"b"`
		A nested `json:"a"`
	}
	raw, err := wal.CanonicalJSON(outer{B: "b", A: nested{Z: "z", A: "a"}})
	require.NoError(t, err)
	require.Equal(t, `{"a":{"a":"a","z":"z"},"b":"b"}`, string(raw))
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func segmentPath(t *testing.T, dir string) string {
	t.Helper()
	return filepath.Join(dir, "billing-wal-00000000000000000001.jsonl")
}
