package exchange

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// File is an Adapter that re-reads a snapshot file on every call. The file
// is YAML (JSON, being a YAML subset, works too) with a top-level
// "positions" list:
//
//	positions:
//	  - symbol: BTC/USDT
//	    side: BUY
//	    amount: "0.1"
//	    price: "50000"
//	    exchange_order_id: "123"
type File struct {
	Path string
}

// NewFile returns an adapter reading path.
func NewFile(path string) *File {
	return &File{Path: path}
}

type snapshotFile struct {
	Positions []snapshotPosition `yaml:"positions"`
}

// Amounts and prices are decoded as strings so decimals stay exact.
type snapshotPosition struct {
	Symbol          string `yaml:"symbol"`
	Side            string `yaml:"side"`
	Amount          string `yaml:"amount"`
	ExchangeOrderID string `yaml:"exchange_order_id"`
	Price           string `yaml:"price"`
}

// GetOpenPositions parses the snapshot file.
func (f *File) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read exchange snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes snapshot file contents.
func ParseSnapshot(data []byte) ([]Position, error) {
	var snap snapshotFile
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse exchange snapshot: %w", err)
	}

	out := make([]Position, 0, len(snap.Positions))
	for i, sp := range snap.Positions {
		amount, err := decimal.NewFromString(sp.Amount)
		if err != nil {
			return nil, fmt.Errorf("positions[%d].amount: %w", i, err)
		}
		var price decimal.Decimal
		if sp.Price != "" {
			if price, err = decimal.NewFromString(sp.Price); err != nil {
				return nil, fmt.Errorf("positions[%d].price: %w", i, err)
			}
		}
		out = append(out, Position{
			Symbol:          sp.Symbol,
			Side:            sp.Side,
			Amount:          amount,
			ExchangeOrderID: sp.ExchangeOrderID,
			Price:           price,
		})
	}
	return out, nil
}
