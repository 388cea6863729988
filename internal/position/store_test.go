package position

import (
	"sync"
	"testing"
	"time"

	"goldpredict/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(ticket int64, symbol string, side broker.Side) Position {
	return Position{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      side,
		Volume:    1.0,
		OpenPrice: 2000,
		OpenedAt:  time.Now(),
		Status:    StatusPending,
	}
}

func TestLifecycleRoundTrip(t *testing.T) {
	s := NewStore()
	s.Upsert(newPending(100, "XAUUSD", broker.SideBuy))

	_, err := s.Transition(100, StatusOpen, nil)
	require.NoError(t, err)
	assert.Len(t, s.ListOpen("XAUUSD"), 1)

	_, err = s.Transition(100, StatusModified, func(p *Position) { p.StopLoss = 1990 })
	require.NoError(t, err)
	assert.Len(t, s.ListOpen("XAUUSD"), 1, "modified stays open")

	_, err = s.Transition(100, StatusClosing, nil)
	require.NoError(t, err)
	assert.Len(t, s.ListOpen("XAUUSD"), 1, "closing still holds exposure")

	p, err := s.Transition(100, StatusClosed, func(p *Position) {
		p.ClosePrice = 2010
		p.RealizedPnL = 10
	})
	require.NoError(t, err)
	assert.Equal(t, 2010.0, p.ClosePrice)
	assert.Empty(t, s.ListOpen("XAUUSD"), "removed from open set exactly at Closed")
}

func TestIllegalTransitions(t *testing.T) {
	s := NewStore()
	s.Upsert(newPending(1, "XAUUSD", broker.SideBuy))

	// Pending cannot skip straight to Closing.
	_, err := s.Transition(1, StatusClosing, nil)
	var conflict *ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusPending, conflict.From)

	_, err = s.Transition(1, StatusRejected, nil)
	require.NoError(t, err)

	// Terminal states accept nothing.
	_, err = s.Transition(1, StatusOpen, nil)
	assert.ErrorAs(t, err, &conflict)

	_, err = s.Transition(42, StatusOpen, nil)
	var unknown *ErrUnknown
	assert.ErrorAs(t, err, &unknown)
}

func TestClosingReturnsToModifiedAfterFailedClose(t *testing.T) {
	s := NewStore()
	s.Upsert(Position{Ticket: 5, Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 1, OpenPrice: 2000, Status: StatusClosing, CloseToken: "tok"})

	// A close that never executed comes back under management so it can be
	// retried; the stuck-close loop Closing -> Closing stays illegal.
	p, err := s.Transition(5, StatusModified, func(p *Position) { p.CloseToken = "" })
	require.NoError(t, err)
	assert.Empty(t, p.CloseToken)

	_, err = s.Transition(5, StatusClosing, nil)
	require.NoError(t, err)
	var conflict *ErrConflict
	_, err = s.Transition(5, StatusClosing, nil)
	assert.ErrorAs(t, err, &conflict)
}

func TestCloseRaceSingleWinner(t *testing.T) {
	s := NewStore()
	s.Upsert(newPending(7, "XAUUSD", broker.SideBuy))
	_, err := s.Transition(7, StatusOpen, nil)
	require.NoError(t, err)

	// Monitor tick and a fresh sell decision race to close; exactly one
	// transition to Closing may win.
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(7, StatusClosing, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestExposureAndSides(t *testing.T) {
	s := NewStore()
	s.Upsert(Position{Ticket: 1, Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 2, OpenPrice: 2000, Status: StatusOpen})
	s.Upsert(Position{Ticket: 2, Symbol: "XAUUSD", Side: broker.SideSell, Volume: 1, OpenPrice: 2000, Status: StatusOpen})
	s.Upsert(Position{Ticket: 3, Symbol: "EURUSD", Side: broker.SideBuy, Volume: 5, OpenPrice: 1.1, Status: StatusOpen})

	assert.InDelta(t, 3*2010.0, s.Exposure("XAUUSD", 2010), 1e-9)
	sides := s.OpenSides("XAUUSD")
	assert.True(t, sides["buy"])
	assert.True(t, sides["sell"])
	assert.False(t, s.OpenSides("GBPUSD")["buy"])
}

func TestFrozenBlocksTransitions(t *testing.T) {
	s := NewStore()
	s.Upsert(Position{Ticket: 9, Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 1, OpenPrice: 2000, Status: StatusOpen})
	s.Freeze(9)

	_, err := s.Transition(9, StatusClosing, nil)
	var conflict *ErrConflict
	assert.ErrorAs(t, err, &conflict)
	// Still counted in exposure so risk checks stay honest.
	assert.Len(t, s.ListOpen("XAUUSD"), 1)
}
