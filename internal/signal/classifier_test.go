package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBands(t *testing.T) {
	cases := []struct {
		pct  float64
		want Signal
	}{
		{5.0, StrongBuy},
		{2.01, StrongBuy},
		{2.0, Buy},
		{1.5, Buy},
		{1.01, Buy},
		{1.0, WeakBuy},
		{0.5, WeakBuy},
		{0.21, WeakBuy},
		{0.2, Hold},
		{0.0, Hold},
		{-0.2, Hold},
		{-0.21, WeakSell},
		{-1.0, WeakSell},
		{-1.01, Sell},
		{-2.0, Sell},
		{-2.01, StrongSell},
		{-10.0, StrongSell},
	}
	for _, tc := range cases {
		got, _, err := Classify(tc.pct)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "pct=%v", tc.pct)
	}
}

func TestClassifyIsTotal(t *testing.T) {
	// Every value in [-100, 100] must land in exactly one band.
	for pct := -100.0; pct <= 100.0; pct += 0.01 {
		sig, strength, err := Classify(pct)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, strength, 0.0)
		assert.LessOrEqual(t, strength, 1.0)
		switch sig {
		case StrongBuy, Buy, WeakBuy, Hold, WeakSell, Sell, StrongSell:
		default:
			t.Fatalf("pct=%v mapped to unknown signal %d", pct, sig)
		}
	}
}

func TestClassifyStrength(t *testing.T) {
	_, strength, err := Classify(1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, strength, 1e-9)

	_, strength, err = Classify(-4.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, strength)

	_, strength, err = Classify(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, strength)
}

func TestClassifyRejectsNonFinite(t *testing.T) {
	for _, pct := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, _, err := Classify(pct)
		assert.Error(t, err, "pct=%v", pct)
		var nf *ErrNotFinite
		assert.ErrorAs(t, err, &nf)
	}
}

func TestChangePct(t *testing.T) {
	pct, err := ChangePct(2000, 2020)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pct, 1e-9)

	_, err = ChangePct(0, 2020)
	assert.Error(t, err)
	_, err = ChangePct(2000, math.NaN())
	assert.Error(t, err)
}
