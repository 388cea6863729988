package broker

import "context"

// Client 是所有券商终端交互的唯一入口。读操作（账户、报价、持仓）在
// 监控与对账路径中被并发调用；变更操作只允许 OrderExecutor 调用。
type Client interface {
	// Account returns the current account snapshot.
	Account(ctx context.Context) (AccountInfo, error)

	// Quote returns the latest price for a symbol.
	Quote(ctx context.Context, symbol string) (Quote, error)

	// SymbolInfo returns the trading constraints for a symbol.
	SymbolInfo(ctx context.Context, symbol string) (SymbolSpec, error)

	// Positions lists open positions, optionally filtered by symbol
	// (empty string means all symbols).
	Positions(ctx context.Context, symbol string) ([]Position, error)

	// Position fetches a single position by ticket. A nil result with a
	// nil error means the broker no longer knows the position.
	Position(ctx context.Context, ticket int64) (*Position, error)

	// OrderByToken looks up a previously submitted order by its client
	// token. A nil result with a nil error means the broker never saw the
	// token, so a retry is safe.
	OrderByToken(ctx context.Context, token string) (*OrderResult, error)

	// Open submits a market order for a new position.
	Open(ctx context.Context, req OpenRequest) (OrderResult, error)

	// Modify replaces a position's stop loss and take profit.
	Modify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error

	// Close submits a closing order for an existing position.
	Close(ctx context.Context, req CloseRequest) (OrderResult, error)
}
