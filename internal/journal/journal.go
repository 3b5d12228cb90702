// Package journal persists trades, positions, events, and regime snapshots
// without ever blocking the execution path. Writers enqueue into a bounded
// channel drained by a single flusher goroutine; when the queue is full the
// oldest entry is shed and a journal:degraded event alerts the operator.
// Read queries (history, performance, crash recovery) hit the database
// directly.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

const maxHistoryLimit = 1000

// op is one queued write.
type op struct {
	name string
	fn   func(*gorm.DB) error
}

// Journal is the persistence layer. Write methods are asynchronous and never
// block or fail the caller.
type Journal struct {
	db     *gorm.DB
	queue  chan op
	bus    *events.Bus
	logger *slog.Logger

	dropped   atomic.Int64
	failing   atomic.Bool
	writeErrs atomic.Int64
}

// Open connects to the configured database and migrates the schema. URLs
// with a postgres scheme use the postgres driver; anything else is treated
// as a sqlite file path.
func Open(cfg config.JournalConfig, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		dialector = postgres.Open(cfg.URL)
	} else {
		if dir := filepath.Dir(cfg.URL); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.URL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.AutoMigrate(&TradeRow{}, &PositionRow{}, &EventRow{}, &RegimeRow{}); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		queue:  make(chan op, cfg.QueueSize),
		bus:    bus,
		logger: logger.With("component", "journal"),
	}, nil
}

// Run drains the write queue until ctx is done, then flushes best-effort.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flushRemaining()
			return ctx.Err()
		case o := <-j.queue:
			j.apply(o)
		}
	}
}

func (j *Journal) apply(o op) {
	if err := o.fn(j.db); err != nil {
		j.writeErrs.Add(1)
		j.logger.Error("journal write failed", "op", o.name, "error", err)
		if j.failing.CompareAndSwap(false, true) {
			j.alert(map[string]any{"op": o.name, "error": err.Error()})
		}
		return
	}
	j.failing.Store(false)
}

func (j *Journal) flushRemaining() {
	for {
		select {
		case o := <-j.queue:
			j.apply(o)
		default:
			return
		}
	}
}

// enqueue adds a write. When the queue is full the oldest pending write is
// dropped so recent state wins, and the operator is alerted.
func (j *Journal) enqueue(o op) {
	select {
	case j.queue <- o:
		return
	default:
	}

	select {
	case shed := <-j.queue:
		total := j.dropped.Add(1)
		j.logger.Error("journal queue full, shed oldest write",
			"shed_op", shed.name, "incoming_op", o.name, "total_dropped", total)
		j.alert(map[string]any{"shed_op": shed.name, "total_dropped": total})
	default:
	}

	select {
	case j.queue <- o:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) alert(data map[string]any) {
	if j.bus != nil {
		j.bus.Publish(events.New(events.JournalDegraded, "", "", data))
	}
}

// Stats reports queue depth and total shed writes for the health endpoint.
func (j *Journal) Stats() (queued int, dropped int64) {
	return len(j.queue), j.dropped.Load()
}

// ----------------------------------------------------------------------------
// Async writers
// ----------------------------------------------------------------------------

// RecordTrade appends a realized trade.
func (j *Journal) RecordTrade(t types.TradeRecord) {
	row := TradeRow{
		ID:            t.ID,
		Symbol:        t.Symbol,
		Side:          string(t.Side),
		Size:          t.Size,
		AvgEntryPrice: t.AvgEntryPrice,
		ExitPrice:     t.ExitPrice,
		RealizedPnL:   t.RealizedPnL,
		Phase:         t.Phase,
		RegimeState:   t.RegimeState,
		Reason:        t.Reason,
		OpenedAt:      t.OpenedAt,
		ClosedAt:      t.ClosedAt,
	}
	j.enqueue(op{"record_trade", func(db *gorm.DB) error {
		return db.Create(&row).Error
	}})
}

// UpsertPosition mirrors an open position.
func (j *Journal) UpsertPosition(p *types.Position) {
	tps, _ := json.Marshal(p.TakeProfits)
	row := PositionRow{
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Size:          p.Size,
		AvgEntryPrice: p.AvgEntryPrice,
		StopLoss:      p.CurrentStop,
		TakeProfits:   string(tps),
		SignalID:      p.SignalID,
		Phase:         p.PhaseAtEntry,
		LayerCount:    len(p.BrokerOrderIDs),
		OpenedAt:      p.OpenedAt,
		UpdatedAt:     time.Now(),
	}
	j.enqueue(op{"upsert_position", func(db *gorm.DB) error {
		return db.Save(&row).Error
	}})
}

// DeletePosition removes the mirror row once a position closes.
func (j *Journal) DeletePosition(symbol string) {
	j.enqueue(op{"delete_position", func(db *gorm.DB) error {
		return db.Delete(&PositionRow{}, "symbol = ?", symbol).Error
	}})
}

// RecordEvent persists a bus event.
func (j *Journal) RecordEvent(e events.Event) {
	payload := ""
	if e.Data != nil {
		if raw, err := json.Marshal(e.Data); err == nil {
			payload = string(raw)
		}
	}
	row := EventRow{
		ID:        e.ID,
		Type:      string(e.Type),
		Symbol:    e.Symbol,
		SignalID:  e.SignalID,
		Payload:   payload,
		CreatedAt: e.Timestamp,
	}
	j.enqueue(op{"record_event", func(db *gorm.DB) error {
		return db.Create(&row).Error
	}})
}

// RecordRegime snapshots the regime vector of an accepted signal.
func (j *Journal) RecordRegime(symbol, signalID string, r types.RegimeVector) {
	row := RegimeRow{
		Symbol:         symbol,
		SignalID:       signalID,
		Trend:          r.Trend,
		Vol:            r.Vol,
		RegimeState:    r.RegimeState,
		StructureScore: r.StructureScore,
		MomentumScore:  r.MomentumScore,
		Recommendation: r.ModelRecommendation,
		CreatedAt:      time.Now(),
	}
	j.enqueue(op{"record_regime", func(db *gorm.DB) error {
		return db.Create(&row).Error
	}})
}

// ----------------------------------------------------------------------------
// Queries
// ----------------------------------------------------------------------------

// HistoryFilter narrows the trade history query. Limit is clamped to
// [1, 1000] with a default of 100. Phase and RegimeState are pointers so
// zero and negative values filter rather than meaning "unset".
type HistoryFilter struct {
	Symbol      string
	Phase       *int
	RegimeState *int
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

func (f HistoryFilter) normalized() HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// History returns realized trades, newest first.
func (j *Journal) History(ctx context.Context, f HistoryFilter) ([]types.TradeRecord, error) {
	f = f.normalized()

	q := j.db.WithContext(ctx).Model(&TradeRow{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Phase != nil {
		q = q.Where("phase = ?", *f.Phase)
	}
	if f.RegimeState != nil {
		q = q.Where("regime_state = ?", *f.RegimeState)
	}
	if !f.Since.IsZero() {
		q = q.Where("closed_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("closed_at <= ?", f.Until)
	}

	var rows []TradeRow
	if err := q.Order("closed_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %v: %w", err, types.ErrPersistenceUnavailable)
	}

	out := make([]types.TradeRecord, len(rows))
	for i, r := range rows {
		out[i] = types.TradeRecord{
			ID:            r.ID,
			Symbol:        r.Symbol,
			Side:          types.Side(r.Side),
			Size:          r.Size,
			AvgEntryPrice: r.AvgEntryPrice,
			ExitPrice:     r.ExitPrice,
			RealizedPnL:   r.RealizedPnL,
			Phase:         r.Phase,
			RegimeState:   r.RegimeState,
			Reason:        r.Reason,
			OpenedAt:      r.OpenedAt,
			ClosedAt:      r.ClosedAt,
		}
	}
	return out, nil
}

// Performance is the aggregate trading summary.
type Performance struct {
	TotalTrades int                  `json:"total_trades"`
	Wins        int                  `json:"wins"`
	Losses      int                  `json:"losses"`
	WinRate     float64              `json:"win_rate"`
	TotalPnL    decimal.Decimal      `json:"total_pnl"`
	AvgPnL      decimal.Decimal      `json:"avg_pnl"`
	BestTrade   decimal.Decimal      `json:"best_trade"`
	WorstTrade  decimal.Decimal      `json:"worst_trade"`
	ByPhase     map[int]int          `json:"by_phase"`
	ByRegime    map[int]RegimeBucket `json:"by_regime"`
}

// RegimeBucket groups realized outcomes by the regime state a trade was
// entered under.
type RegimeBucket struct {
	Trades int             `json:"trades"`
	Wins   int             `json:"wins"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Performance aggregates realized trades, optionally for one symbol.
// Aggregation happens in Go because sqlite stores decimal columns as text.
func (j *Journal) Performance(ctx context.Context, symbol string) (Performance, error) {
	q := j.db.WithContext(ctx).Model(&TradeRow{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}

	var rows []TradeRow
	if err := q.Find(&rows).Error; err != nil {
		return Performance{}, fmt.Errorf("query performance: %v: %w", err, types.ErrPersistenceUnavailable)
	}

	perf := Performance{
		TotalPnL: decimal.Zero,
		AvgPnL:   decimal.Zero,
		ByPhase:  make(map[int]int),
		ByRegime: make(map[int]RegimeBucket),
	}
	for i, r := range rows {
		perf.TotalTrades++
		perf.TotalPnL = perf.TotalPnL.Add(r.RealizedPnL)
		perf.ByPhase[r.Phase]++
		bucket := perf.ByRegime[r.RegimeState]
		bucket.Trades++
		bucket.PnL = bucket.PnL.Add(r.RealizedPnL)
		if r.RealizedPnL.IsPositive() {
			perf.Wins++
			bucket.Wins++
		} else if r.RealizedPnL.IsNegative() {
			perf.Losses++
		}
		perf.ByRegime[r.RegimeState] = bucket
		if i == 0 || r.RealizedPnL.GreaterThan(perf.BestTrade) {
			perf.BestTrade = r.RealizedPnL
		}
		if i == 0 || r.RealizedPnL.LessThan(perf.WorstTrade) {
			perf.WorstTrade = r.RealizedPnL
		}
	}
	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.Wins) / float64(perf.TotalTrades)
		perf.AvgPnL = perf.TotalPnL.Div(decimal.NewFromInt(int64(perf.TotalTrades)))
	}
	return perf, nil
}

// OpenPositions loads mirrored positions for crash recovery at boot.
func (j *Journal) OpenPositions(ctx context.Context) ([]*types.Position, error) {
	var rows []PositionRow
	if err := j.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query positions: %v: %w", err, types.ErrPersistenceUnavailable)
	}

	out := make([]*types.Position, len(rows))
	for i, r := range rows {
		var tps []decimal.Decimal
		if r.TakeProfits != "" {
			_ = json.Unmarshal([]byte(r.TakeProfits), &tps)
		}
		out[i] = &types.Position{
			Symbol:        r.Symbol,
			Side:          types.Side(r.Side),
			Size:          r.Size,
			AvgEntryPrice: r.AvgEntryPrice,
			CurrentStop:   r.StopLoss,
			TakeProfits:   tps,
			SignalID:      r.SignalID,
			OpenedAt:      r.OpenedAt,
			PhaseAtEntry:  r.Phase,
		}
	}
	return out, nil
}
