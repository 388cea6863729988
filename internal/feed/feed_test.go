package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergerWeightedConsensus(t *testing.T) {
	m := NewMerger(time.Minute)
	now := time.Now()

	m.Add(Sample{Source: "a", Symbol: "XAUUSD", Current: 2000, Predicted: 2020, Confidence: 1, Weight: 3, FetchedAt: now})
	m.Add(Sample{Source: "b", Symbol: "XAUUSD", Current: 2000, Predicted: 2000, Confidence: 1, Weight: 1, FetchedAt: now})

	c, ok := m.Consensus("XAUUSD", now)
	require.True(t, ok)
	// (2020*3 + 2000*1) / 4 = 2015
	assert.InDelta(t, 2015, c.Predicted, 1e-9)
	assert.InDelta(t, 2000, c.Current, 1e-9)
	assert.Equal(t, []string{"a", "b"}, m.Sources("XAUUSD"))
}

func TestMergerConfidenceScalesWeight(t *testing.T) {
	m := NewMerger(time.Minute)
	now := time.Now()

	m.Add(Sample{Source: "a", Symbol: "XAUUSD", Current: 2000, Predicted: 2040, Confidence: 0.5, Weight: 2, FetchedAt: now})
	m.Add(Sample{Source: "b", Symbol: "XAUUSD", Current: 2000, Predicted: 2000, Confidence: 1, Weight: 1, FetchedAt: now})

	c, ok := m.Consensus("XAUUSD", now)
	require.True(t, ok)
	// 有效权重 a=1, b=1 → 平均 2020
	assert.InDelta(t, 2020, c.Predicted, 1e-9)
}

func TestMergerDropsStaleSamples(t *testing.T) {
	m := NewMerger(time.Minute)
	now := time.Now()

	m.Add(Sample{Source: "old", Symbol: "XAUUSD", Current: 2000, Predicted: 2100, Confidence: 1, Weight: 1, FetchedAt: now.Add(-2 * time.Minute)})
	_, ok := m.Consensus("XAUUSD", now)
	assert.False(t, ok)

	m.Add(Sample{Source: "fresh", Symbol: "XAUUSD", Current: 2000, Predicted: 2010, Confidence: 1, Weight: 1, FetchedAt: now})
	c, ok := m.Consensus("XAUUSD", now)
	require.True(t, ok)
	assert.InDelta(t, 2010, c.Predicted, 1e-9)
}

func TestMergerLatestSampleWinsPerSource(t *testing.T) {
	m := NewMerger(time.Minute)
	now := time.Now()

	m.Add(Sample{Source: "a", Symbol: "XAUUSD", Current: 2000, Predicted: 2050, Confidence: 1, Weight: 1, FetchedAt: now.Add(-time.Second)})
	m.Add(Sample{Source: "a", Symbol: "XAUUSD", Current: 2000, Predicted: 2010, Confidence: 1, Weight: 1, FetchedAt: now})

	c, ok := m.Consensus("XAUUSD", now)
	require.True(t, ok)
	assert.InDelta(t, 2010, c.Predicted, 1e-9)
}

func TestHTTPSourceParsesAlternateFieldNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prediction":{"price":2042.5,"confidence":0.8},"last_price":2000.0}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("test", srv.URL, 2)
	s, err := src.Fetch(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "test", s.Source)
	assert.InDelta(t, 2042.5, s.Predicted, 1e-9)
	assert.InDelta(t, 2000.0, s.Current, 1e-9)
	assert.InDelta(t, 0.8, s.Confidence, 1e-9)
	assert.Equal(t, 2.0, s.Weight)
}

func TestHTTPSourceRejectsMissingPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"warming_up"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("test", srv.URL, 1)
	_, err := src.Fetch(context.Background(), "XAUUSD")
	assert.Error(t, err)
}

func TestHTTPSourceSubstitutesSymbol(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"predicted_price":2042.5,"current_price":2000.0}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("test", srv.URL+"/predict/{symbol}", 1)
	_, err := src.Fetch(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "/predict/XAUUSD", gotPath)
}
