// Package exchange defines the read-only view of the authoritative external
// position source that reconciliation compares against, plus two simple
// adapters: an in-memory one and one backed by a snapshot file.
package exchange

import (
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// Position is one open position as the exchange reports it. Side may use
// either LONG/SHORT or BUY/SELL spelling; a negative Amount is read as its
// absolute value.
type Position struct {
	Symbol          string          `json:"symbol" yaml:"symbol"`
	Side            string          `json:"side" yaml:"side"`
	Amount          decimal.Decimal `json:"amount" yaml:"amount"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty" yaml:"exchange_order_id,omitempty"`
	Price           decimal.Decimal `json:"price" yaml:"price"`
}

// Adapter supplies the exchange's current open positions.
type Adapter interface {
	GetOpenPositions(ctx context.Context) ([]Position, error)
}

// Static is an in-memory Adapter whose positions can be replaced at any time.
//
// Thread-safety: safe for concurrent use.
type Static struct {
	mu        sync.RWMutex
	positions []Position
}

// NewStatic returns an adapter reporting positions.
func NewStatic(positions ...Position) *Static {
	return &Static{positions: slices.Clone(positions)}
}

// Set replaces the reported positions.
func (s *Static) Set(positions ...Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = slices.Clone(positions)
}

// GetOpenPositions returns a copy of the current positions.
func (s *Static) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.positions)
	if out == nil {
		out = []Position{}
	}
	return out, nil
}
