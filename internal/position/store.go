package position

import (
	"fmt"
	"sort"
	"sync"
)

// ErrConflict is returned for a state change the lifecycle does not allow.
// Callers resolve it by re-fetching authoritative state from the broker.
type ErrConflict struct {
	Ticket int64
	From   Status
	To     Status
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("position %d: illegal transition %s -> %s", e.Ticket, e.From, e.To)
}

// ErrUnknown is returned when the ticket is not in the store.
type ErrUnknown struct {
	Ticket int64
}

func (e *ErrUnknown) Error() string {
	return fmt.Sprintf("position %d not tracked locally", e.Ticket)
}

// Store 是持仓的线程安全注册表，按 ticket 索引，另维护 symbol 索引
// 以便快速计算敞口。所有读操作返回拷贝，锁从不跨越 broker I/O。
type Store struct {
	mu       sync.RWMutex
	byTicket map[int64]*Position
	bySymbol map[string]map[int64]struct{}
}

func NewStore() *Store {
	return &Store{
		byTicket: make(map[int64]*Position),
		bySymbol: make(map[string]map[int64]struct{}),
	}
}

// Upsert inserts or replaces a position wholesale. It is reserved for
// reconciliation, where the broker's answer is authoritative; ordinary
// lifecycle changes go through Transition.
func (s *Store) Upsert(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byTicket[p.Ticket]; ok && old.Symbol != p.Symbol {
		s.unindex(old)
	}
	cp := p
	s.byTicket[p.Ticket] = &cp
	s.index(&cp)
}

// Get returns a copy of the position by ticket.
func (s *Store) Get(ticket int64) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byTicket[ticket]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Transition moves the position to a new status, optionally mutating its
// fields under the same lock. The first illegal transition wins the race:
// a concurrent loser observes the updated state and gets ErrConflict.
func (s *Store) Transition(ticket int64, to Status, mutate func(*Position)) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byTicket[ticket]
	if !ok {
		return Position{}, &ErrUnknown{Ticket: ticket}
	}
	if p.Frozen {
		return *p, &ErrConflict{Ticket: ticket, From: p.Status, To: to}
	}
	if !canTransition(p.Status, to) {
		return *p, &ErrConflict{Ticket: ticket, From: p.Status, To: to}
	}
	p.Status = to
	if mutate != nil {
		mutate(p)
	}
	return *p, nil
}

// Freeze excludes a position from all automated action after a
// reconciliation conflict.
func (s *Store) Freeze(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byTicket[ticket]; ok {
		p.Frozen = true
	}
}

// Remove drops the position from the active set (archival happens in the
// history store before removal).
func (s *Store) Remove(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byTicket[ticket]
	if !ok {
		return
	}
	s.unindex(p)
	delete(s.byTicket, ticket)
}

// ListOpen returns a consistent snapshot of open positions, optionally
// filtered by symbol. Frozen positions are included so exposure totals
// stay honest, but callers must not act on them.
func (s *Store) ListOpen(symbol string) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	if symbol != "" {
		for ticket := range s.bySymbol[symbol] {
			if p := s.byTicket[ticket]; p != nil && p.Status.IsOpen() {
				out = append(out, *p)
			}
		}
	} else {
		for _, p := range s.byTicket {
			if p.Status.IsOpen() {
				out = append(out, *p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Exposure sums the notional of open positions for a symbol at the given
// market price.
func (s *Store) Exposure(symbol string, price float64) float64 {
	total := 0.0
	for _, p := range s.ListOpen(symbol) {
		total += p.Notional(price)
	}
	return total
}

// OpenSides reports which directions currently hold open positions for a
// symbol, used to detect conflicting candidates.
func (s *Store) OpenSides(symbol string) map[string]bool {
	sides := make(map[string]bool, 2)
	for _, p := range s.ListOpen(symbol) {
		sides[string(p.Side)] = true
	}
	return sides
}

func (s *Store) index(p *Position) {
	set, ok := s.bySymbol[p.Symbol]
	if !ok {
		set = make(map[int64]struct{})
		s.bySymbol[p.Symbol] = set
	}
	set[p.Ticket] = struct{}{}
}

func (s *Store) unindex(p *Position) {
	if set, ok := s.bySymbol[p.Symbol]; ok {
		delete(set, p.Ticket)
		if len(set) == 0 {
			delete(s.bySymbol, p.Symbol)
		}
	}
}
