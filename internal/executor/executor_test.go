package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"goldpredict/internal/broker"
	"goldpredict/internal/position"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Account(ctx context.Context) (broker.AccountInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(broker.AccountInfo), args.Error(1)
}

func (m *MockBroker) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.Quote), args.Error(1)
}

func (m *MockBroker) SymbolInfo(ctx context.Context, symbol string) (broker.SymbolSpec, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.SymbolSpec), args.Error(1)
}

func (m *MockBroker) Positions(ctx context.Context, symbol string) ([]broker.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.Position), args.Error(1)
}

func (m *MockBroker) Position(ctx context.Context, ticket int64) (*broker.Position, error) {
	args := m.Called(ctx, ticket)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Position), args.Error(1)
}

func (m *MockBroker) OrderByToken(ctx context.Context, token string) (*broker.OrderResult, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResult), args.Error(1)
}

func (m *MockBroker) Open(ctx context.Context, req broker.OpenRequest) (broker.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *MockBroker) Modify(ctx context.Context, ticket int64, sl, tp float64) error {
	args := m.Called(ctx, ticket, sl, tp)
	return args.Error(0)
}

func (m *MockBroker) Close(ctx context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func newTestExecutor(client broker.Client) (*Executor, *position.Store) {
	store := position.NewStore()
	e := New(client, store, nil)
	e.backoff = 0
	e.sleepFn = func(context.Context, time.Duration) error { return nil }
	return e, store
}

func TestOpenUsesBrokerFillPrice(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)

	mb.On("Open", mock.Anything, mock.AnythingOfType("broker.OpenRequest")).
		Return(broker.OrderResult{Ticket: 100, Volume: 0.5, Price: 2001.5, RetCode: 10009}, nil)

	p, err := e.Open(context.Background(), OpenCommand{
		Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.5, Price: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Ticket)
	assert.Equal(t, 2001.5, p.OpenPrice, "fill price wins over requested price")
	assert.Equal(t, position.StatusOpen, p.Status)
	assert.Len(t, store.ListOpen("XAUUSD"), 1)
	mb.AssertExpectations(t)
}

func TestOpenRetriesTransientThenSucceeds(t *testing.T) {
	mb := new(MockBroker)
	e, _ := newTestExecutor(mb)
	e.tokenFn = func() string { return "tok-1" }

	transient := broker.Transient(errors.New("connection reset"))
	mb.On("Open", mock.Anything, mock.Anything).Return(broker.OrderResult{}, transient).Twice()
	mb.On("OrderByToken", mock.Anything, "tok-1").Return(nil, nil).Twice()
	// Third attempt fills at a different price than requested.
	mb.On("Open", mock.Anything, mock.Anything).
		Return(broker.OrderResult{Ticket: 7, Volume: 0.1, Price: 2003.0, RetCode: 10009}, nil).Once()

	p, err := e.Open(context.Background(), OpenCommand{
		Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.1, Price: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, 2003.0, p.OpenPrice)
	mb.AssertExpectations(t)
}

func TestOpenRetryDetectsEarlierFillByToken(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	e.tokenFn = func() string { return "tok-2" }

	// First attempt times out but actually succeeded server-side.
	mb.On("Open", mock.Anything, mock.Anything).
		Return(broker.OrderResult{}, broker.Timeout(context.DeadlineExceeded)).Once()
	mb.On("OrderByToken", mock.Anything, "tok-2").
		Return(&broker.OrderResult{Ticket: 55, Volume: 0.2, Price: 1999.5, RetCode: 10009}, nil).Once()

	p, err := e.Open(context.Background(), OpenCommand{
		Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.2, Price: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(55), p.Ticket)
	assert.Len(t, store.ListOpen("XAUUSD"), 1, "no duplicate order submitted")
	mb.AssertExpectations(t)
}

func TestOpenRejectionNeverRetried(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)

	mb.On("Open", mock.Anything, mock.Anything).
		Return(broker.OrderResult{}, broker.Rejected(10019, "no money")).Once()

	_, err := e.Open(context.Background(), OpenCommand{
		Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 10,
	})
	oe, ok := broker.AsOrderError(err)
	require.True(t, ok)
	assert.Equal(t, broker.KindRejected, oe.Kind)
	assert.Equal(t, 10019, oe.RetCode)
	assert.Empty(t, store.ListOpen("XAUUSD"))
	mb.AssertExpectations(t)
}

func TestCloseComputesRealizedPnL(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 9, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 2, OpenPrice: 2000, Status: position.StatusOpen,
	})

	mb.On("Close", mock.Anything, mock.AnythingOfType("broker.CloseRequest")).
		Return(broker.OrderResult{Ticket: 9, Volume: 2, Price: 2010, RetCode: 10009}, nil)

	fill, err := e.Close(context.Background(), 9)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, fill.PnL, 1e-9) // (2010-2000)*2*+1
	assert.NotEmpty(t, fill.FillID)
	assert.Empty(t, store.ListOpen("XAUUSD"), "archived and removed on close")
	mb.AssertExpectations(t)
}

func TestCloseShortSideSign(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 3, Symbol: "XAUUSD", Side: broker.SideSell,
		Volume: 1, OpenPrice: 2000, Status: position.StatusOpen,
	})
	mb.On("Close", mock.Anything, mock.Anything).
		Return(broker.OrderResult{Ticket: 3, Volume: 1, Price: 1990, RetCode: 10009}, nil)

	fill, err := e.Close(context.Background(), 3)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, fill.PnL, 1e-9) // short gains on falling price
}

func TestCloseOnAlreadyClosedIsNoop(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 4, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusOpen,
	})
	mb.On("Close", mock.Anything, mock.Anything).
		Return(broker.OrderResult{Ticket: 4, Volume: 1, Price: 2001, RetCode: 10009}, nil).Once()

	_, err := e.Close(context.Background(), 4)
	require.NoError(t, err)

	// Loser of the race observes the closed position and no-ops cleanly.
	fill, err := e.Close(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, fill.FillID, "no fill produced by the no-op")
	mb.AssertNumberOfCalls(t, "Close", 1)
}

func TestReconcileRecoversFailedClose(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	e.tokenFn = func() string { return "tok-close" }
	store.Upsert(position.Position{
		Ticket: 88, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusOpen,
	})

	transient := broker.Transient(errors.New("bridge unreachable"))
	mb.On("Close", mock.Anything, mock.Anything).Return(broker.OrderResult{}, transient).Times(3)
	mb.On("OrderByToken", mock.Anything, "tok-close").Return(nil, nil)

	_, err := e.Close(context.Background(), 88)
	require.Error(t, err)
	p, ok := store.Get(88)
	require.True(t, ok)
	assert.Equal(t, position.StatusClosing, p.Status)

	// Broker still holds the position and the close order never executed:
	// reconciliation hands it back so the close can be retried.
	mb.On("Position", mock.Anything, int64(88)).Return(&broker.Position{
		Ticket: 88, Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 1, OpenPrice: 2000,
	}, nil).Once()
	require.NoError(t, e.Reconcile(context.Background(), 88))
	p, ok = store.Get(88)
	require.True(t, ok)
	assert.Equal(t, position.StatusModified, p.Status)
	assert.False(t, p.Frozen)

	mb.On("Close", mock.Anything, mock.Anything).
		Return(broker.OrderResult{Ticket: 88, Volume: 1, Price: 2005, RetCode: 10009}, nil).Once()
	fill, err := e.Close(context.Background(), 88)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, fill.PnL, 1e-9)
	assert.Empty(t, store.ListOpen("XAUUSD"))
}

func TestReconcileFreezesWhenCloseOrderExecutedButPositionAlive(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 89, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusClosing, CloseToken: "tok-x",
	})
	mb.On("Position", mock.Anything, int64(89)).Return(&broker.Position{
		Ticket: 89, Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 1, OpenPrice: 2000,
	}, nil).Once()
	mb.On("OrderByToken", mock.Anything, "tok-x").
		Return(&broker.OrderResult{Ticket: 89, Volume: 1, Price: 2003, RetCode: 10009}, nil).Once()

	err := e.Reconcile(context.Background(), 89)
	assert.ErrorIs(t, err, broker.ErrReconciliationConflict)
	p, ok := store.Get(89)
	require.True(t, ok)
	assert.True(t, p.Frozen)
}

func TestOpenRetryAbortsWhenTokenLookupFails(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	e.tokenFn = func() string { return "tok-3" }

	transient := broker.Transient(errors.New("connection reset"))
	mb.On("Open", mock.Anything, mock.Anything).Return(broker.OrderResult{}, transient).Once()
	mb.On("OrderByToken", mock.Anything, "tok-3").Return(nil, transient)

	_, err := e.Open(context.Background(), OpenCommand{
		Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.1, Price: 2000,
	})
	require.Error(t, err)
	mb.AssertNumberOfCalls(t, "Open", 1)
	assert.Empty(t, store.ListOpen("XAUUSD"), "nothing resubmitted while the first attempt's fate is unknown")
}

func TestCloseRetryAbortsWhenTokenLookupFails(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	e.tokenFn = func() string { return "tok-4" }
	store.Upsert(position.Position{
		Ticket: 61, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusOpen,
	})

	transient := broker.Transient(errors.New("connection reset"))
	mb.On("Close", mock.Anything, mock.Anything).Return(broker.OrderResult{}, transient).Once()
	mb.On("OrderByToken", mock.Anything, "tok-4").Return(nil, transient)

	_, err := e.Close(context.Background(), 61)
	require.Error(t, err)
	mb.AssertNumberOfCalls(t, "Close", 1)
	p, ok := store.Get(61)
	require.True(t, ok)
	assert.Equal(t, position.StatusClosing, p.Status, "left for reconciliation, not resubmitted")
}

func TestModifyStaleTriggersReconciliation(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 11, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusOpen,
	})

	mb.On("Modify", mock.Anything, int64(11), 1990.0, 0.0).Return(broker.Stale(11)).Once()
	// Reconciliation finds the position gone: broker-side stop-out.
	mb.On("Position", mock.Anything, int64(11)).Return(nil, nil).Once()

	err := e.Modify(context.Background(), 11, 1990, 0)
	oe, ok := broker.AsOrderError(err)
	require.True(t, ok)
	assert.Equal(t, broker.KindStale, oe.Kind)
	assert.Empty(t, store.ListOpen("XAUUSD"), "stale position removed locally")
	mb.AssertExpectations(t)
}

func TestReconcileFreezesOnConflict(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	store.Upsert(position.Position{
		Ticket: 21, Symbol: "XAUUSD", Side: broker.SideBuy,
		Volume: 1, OpenPrice: 2000, Status: position.StatusClosing,
	})
	mb.On("Position", mock.Anything, int64(21)).Return(nil, nil).Once()

	err := e.Reconcile(context.Background(), 21)
	assert.ErrorIs(t, err, broker.ErrReconciliationConflict)

	p, ok := store.Get(21)
	require.True(t, ok)
	assert.True(t, p.Frozen, "conflicted position frozen for manual review")
}

func TestReconcileAdoptsUnknownBrokerPosition(t *testing.T) {
	mb := new(MockBroker)
	e, store := newTestExecutor(mb)
	mb.On("Position", mock.Anything, int64(77)).Return(&broker.Position{
		Ticket: 77, Symbol: "XAUUSD", Side: broker.SideSell, Volume: 0.3, OpenPrice: 2005,
	}, nil).Once()

	require.NoError(t, e.Reconcile(context.Background(), 77))
	p, ok := store.Get(77)
	require.True(t, ok)
	assert.Equal(t, position.StatusOpen, p.Status)
	assert.Equal(t, 0.3, p.Volume)
}
