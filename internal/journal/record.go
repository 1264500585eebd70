package journal

import (
	"time"

	"keeper/internal/adapter"
	"keeper/internal/position"

	"github.com/shopspring/decimal"
)

// FillRecord is one confirmed fill.
type FillRecord struct {
	ID         uint64          `gorm:"primaryKey"`
	Exchange   string          `gorm:"size:32;index:idx_fill_order"`
	OrderID    string          `gorm:"size:128;index:idx_fill_order"`
	Symbol     string          `gorm:"size:32"`
	Side       string          `gorm:"size:8"`
	Price      decimal.Decimal `gorm:"type:numeric"`
	Size       decimal.Decimal `gorm:"type:numeric"`
	FilledAt   time.Time
	DetectedAt time.Time
	LatencyMs  int64
	Reconciled bool
}

func (FillRecord) TableName() string {
	return "keeper_fills"
}

// OutcomeRecord is one close, complete or unwind order.
type OutcomeRecord struct {
	ID       uint64          `gorm:"primaryKey"`
	Kind     string          `gorm:"size:16;index"`
	PairID   string          `gorm:"size:64;index"`
	Exchange string          `gorm:"size:32"`
	Symbol   string          `gorm:"size:32"`
	Side     string          `gorm:"size:8"`
	Size     decimal.Decimal `gorm:"type:numeric"`
	Filled   decimal.Decimal `gorm:"type:numeric"`
	Error    string
	At       time.Time `gorm:"index"`
}

func (OutcomeRecord) TableName() string {
	return "keeper_outcomes"
}

func fillRecord(ev adapter.FillEvent) FillRecord {
	return FillRecord{
		Exchange:   ev.Exchange,
		OrderID:    ev.OrderID,
		Symbol:     ev.Symbol,
		Side:       ev.Side.String(),
		Price:      ev.Price,
		Size:       ev.Size,
		FilledAt:   ev.Timestamp,
		DetectedAt: ev.DetectedAt,
		LatencyMs:  ev.Latency.Milliseconds(),
		Reconciled: ev.Reconciled,
	}
}

func outcomeRecord(o position.Outcome) OutcomeRecord {
	rec := OutcomeRecord{
		Kind:     o.Kind,
		PairID:   o.PairID,
		Exchange: o.Exchange,
		Symbol:   o.Symbol,
		Side:     o.Side.String(),
		Size:     o.Size,
		Filled:   o.Filled,
		At:       o.At,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}
