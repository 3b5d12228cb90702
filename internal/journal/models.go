package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRow is the permanent record of one realized trade.
type TradeRow struct {
	ID            string          `gorm:"primaryKey;size:36"`
	Symbol        string          `gorm:"index;size:24"`
	Side          string          `gorm:"size:8"`
	Size          decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice     decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Phase         int
	RegimeState   int
	Reason        string `gorm:"size:64"`
	OpenedAt      time.Time
	ClosedAt      time.Time `gorm:"index"`
}

func (TradeRow) TableName() string { return "trades" }

// PositionRow mirrors the currently open positions; rows are upserted on
// every mutation and deleted on close, so the table always reflects live
// exposure for crash recovery.
type PositionRow struct {
	Symbol        string          `gorm:"primaryKey;size:24"`
	Side          string          `gorm:"size:8"`
	Size          decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss      decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfits   string          `gorm:"size:256"` // JSON array of prices
	SignalID      string          `gorm:"size:64"`
	Phase         int
	LayerCount    int
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

func (PositionRow) TableName() string { return "positions" }

// EventRow persists bus events for the operator audit trail.
type EventRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Type      string    `gorm:"index;size:40"`
	Symbol    string    `gorm:"size:24"`
	SignalID  string    `gorm:"size:64"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (EventRow) TableName() string { return "system_events" }

// RegimeRow snapshots the regime vector attached to each accepted signal.
type RegimeRow struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Symbol         string `gorm:"index;size:24"`
	SignalID       string `gorm:"size:64"`
	Trend          int
	Vol            int
	RegimeState    int
	StructureScore float64
	MomentumScore  float64
	Recommendation string `gorm:"size:32"`
	CreatedAt      time.Time
}

func (RegimeRow) TableName() string { return "regime_snapshots" }
