package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	require.NoError(t, s.Append(ctx, Record{
		Timestamp: base, TraceID: "t1", Symbol: "XAUUSD", Side: "buy",
		Signal: "strong_buy", Strength: 1, Price: 2000, Approved: true,
		SizedVolume: 0.4, Ticket: 100,
	}))
	require.NoError(t, s.Append(ctx, Record{
		Timestamp: base + 1, TraceID: "t2", Symbol: "XAUUSD", Side: "sell",
		Signal: "sell", Strength: 0.6, Price: 2001, Approved: false,
		Reasons: []string{"DailyLossExceeded", "DrawdownExceeded"},
	}))

	recs, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// 最新在前
	assert.Equal(t, "t2", recs[0].TraceID)
	assert.False(t, recs[0].Approved)
	assert.Equal(t, []string{"DailyLossExceeded", "DrawdownExceeded"}, recs[0].Reasons)
	assert.Equal(t, "t1", recs[1].TraceID)
	assert.True(t, recs[1].Approved)
	assert.Empty(t, recs[1].Reasons)
	assert.Equal(t, int64(100), recs[1].Ticket)
}

func TestRecentFiltersBySymbol(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Record{TraceID: "a", Symbol: "XAUUSD", Signal: "buy", Approved: true}))
	require.NoError(t, s.Append(ctx, Record{TraceID: "b", Symbol: "EURUSD", Signal: "sell", Approved: true}))

	recs, err := s.Recent(ctx, "xauusd", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].TraceID)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
