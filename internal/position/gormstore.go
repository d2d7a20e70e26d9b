package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arbpair/zengine/internal/money"
)

// positionRow is the GORM model backing the `positions` table referenced
// by the specification's §6 schema contract. Field shape and the
// TableName()/AutoMigrate construction pattern are grounded on
// ChoSanghyuk-blackholedex/internal/db/transaction_recorder.go's
// AssetSnapshotRecord/MySQLRecorder.
type positionRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index;not null"`
	Coin      string `gorm:"index;not null"`
	State     string `gorm:"index;not null"`

	UpbitQty        string `gorm:"type:varchar(40);not null"`
	BybitQty        string `gorm:"type:varchar(40);not null"`
	UpbitEntryPrice string `gorm:"type:varchar(40);not null"`
	BybitEntryPrice string `gorm:"type:varchar(40);not null"`

	UpbitOrderID     string `gorm:"type:varchar(64)"`
	BybitOrderID     string `gorm:"type:varchar(64)"`
	ExitUpbitOrderID string `gorm:"type:varchar(64)"`
	ExitBybitOrderID string `gorm:"type:varchar(64)"`

	ClientOrderID     string `gorm:"type:varchar(64);uniqueIndex:idx_session_client_order"`
	ExitClientOrderID string `gorm:"type:varchar(64);uniqueIndex:idx_session_exit_client_order"`

	EntrySpreadPct float64
	EntryZScore    float64
	EntryUsdKrw    float64

	OpenedAt    time.Time
	ClosedAt    *time.Time
	RealizedPnL *string `gorm:"type:varchar(40)"`

	InFlight          bool
	SucceededLeg      string `gorm:"type:varchar(16)"`
	EmergencyAttempts int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (positionRow) TableName() string { return "positions" }

// sessionRow backs the `sessions` table (schema referenced by contract).
type sessionRow struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	ParentSessionID *string `gorm:"type:varchar(64)"`
	StartedAt      time.Time
	EndedAt        *time.Time
	ConfigJSON     string `gorm:"type:text"`
	Status         string `gorm:"type:varchar(16)"` // Running|Completed|GracefulStop|Crashed
}

func (sessionRow) TableName() string { return "sessions" }

// tradeRow backs the `trades` table.
type tradeRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	SessionID    string `gorm:"index"`
	PositionID   int64  `gorm:"index"`
	Coin         string
	Side         string // entry|exit
	Qty          string `gorm:"type:varchar(40)"`
	Price        string `gorm:"type:varchar(40)"`
	Fees         string `gorm:"type:varchar(40)"`
	SpreadPct    float64
	ZScore       float64
	RealizedPnL  string `gorm:"type:varchar(40)"`
	ExecutedAt   time.Time
}

func (tradeRow) TableName() string { return "trades" }

// minuteRow backs the `minutes` table.
type minuteRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"index"`
	Coin        string `gorm:"index"`
	Ts          time.Time
	UpbitClose  float64
	BybitClose  float64
	SpreadPct   float64
	ZScore      float64
	Mean        float64
	Stddev      float64
}

func (minuteRow) TableName() string { return "minutes" }

// alertRow backs the `alerts` table.
type alertRow struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"index"`
	Level      string `gorm:"type:varchar(16)"`
	EventType  string `gorm:"type:varchar(32)"`
	Message    string `gorm:"type:text"`
	PayloadJSON string `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (alertRow) TableName() string { return "alerts" }

// fundingScheduleRow backs the `funding_schedules` table (coin PK).
type fundingScheduleRow struct {
	Coin             string `gorm:"primaryKey;type:varchar(16)"`
	IntervalHours    int
	NextFundingTime  time.Time
	CurrentRate      float64
}

func (fundingScheduleRow) TableName() string { return "funding_schedules" }

// balanceSnapshotRow backs the `balance_snapshots` table.
type balanceSnapshotRow struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	SessionID       string `gorm:"index"`
	SnapshotGroupID string `gorm:"index;type:varchar(64)"`
	RecordType      string `gorm:"type:varchar(16)"` // PERIODIC|POS_ENT|POS_EXT
	Cex             string `gorm:"type:varchar(16)"` // UPBIT|BYBIT
	Currency        string `gorm:"type:varchar(16)"` // KRW|USDT
	Available       float64
	Locked          float64
	CoinValue       float64
	Total           float64
	PositionID      *int64
	UsdKrw          float64
	UsdtKrw         float64
	TotalUsd        float64
	TotalUsdt       float64
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (balanceSnapshotRow) TableName() string { return "balance_snapshots" }

// GormStore is the MySQL-backed Store (C3), grounded on
// ChoSanghyuk-blackholedex's MySQLRecorder wrapping pattern: a *gorm.DB,
// construction that runs AutoMigrate, and methods returning wrapped
// errors rather than panicking.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens dsn and migrates every table the schema contract
// in the specification names.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("position: connect mysql: %w", err)
	}
	if err := db.AutoMigrate(
		&sessionRow{}, &positionRow{}, &tradeRow{}, &minuteRow{},
		&alertRow{}, &fundingScheduleRow{}, &balanceSnapshotRow{},
	); err != nil {
		return nil, fmt.Errorf("position: migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("position: get underlying db: %w", err)
	}
	return sqlDB.Close()
}

func toRow(r Record) positionRow {
	row := positionRow{
		ID:                r.ID,
		SessionID:         r.SessionID,
		Coin:              r.Coin,
		State:             string(r.State),
		UpbitQty:          r.UpbitQty.String(),
		BybitQty:          r.BybitQty.String(),
		UpbitEntryPrice:   r.UpbitEntryPrice.String(),
		BybitEntryPrice:   r.BybitEntryPrice.String(),
		UpbitOrderID:      r.UpbitOrderID,
		BybitOrderID:      r.BybitOrderID,
		ExitUpbitOrderID:  r.ExitUpbitOrderID,
		ExitBybitOrderID:  r.ExitBybitOrderID,
		ClientOrderID:     r.ClientOrderID,
		ExitClientOrderID: r.ExitClientOrderID,
		EntrySpreadPct:    r.EntrySpreadPct,
		EntryZScore:       r.EntryZScore,
		EntryUsdKrw:       r.EntryUsdKrw,
		OpenedAt:          r.OpenedAt,
		ClosedAt:          r.ClosedAt,
		InFlight:          r.InFlight,
		SucceededLeg:      string(r.SucceededLeg),
		EmergencyAttempts: r.EmergencyAttempts,
	}
	if r.RealizedPnL != nil {
		s := r.RealizedPnL.String()
		row.RealizedPnL = &s
	}
	return row
}

func fromRow(row positionRow) (Record, error) {
	upbitQty, err := money.Parse(row.UpbitQty)
	if err != nil {
		return Record{}, err
	}
	bybitQty, err := money.Parse(row.BybitQty)
	if err != nil {
		return Record{}, err
	}
	upbitPx, err := money.Parse(row.UpbitEntryPrice)
	if err != nil {
		return Record{}, err
	}
	bybitPx, err := money.Parse(row.BybitEntryPrice)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:                row.ID,
		SessionID:         row.SessionID,
		Coin:              row.Coin,
		State:             State(row.State),
		UpbitQty:          upbitQty,
		BybitQty:          bybitQty,
		UpbitEntryPrice:   upbitPx,
		BybitEntryPrice:   bybitPx,
		UpbitOrderID:      row.UpbitOrderID,
		BybitOrderID:      row.BybitOrderID,
		ExitUpbitOrderID:  row.ExitUpbitOrderID,
		ExitBybitOrderID:  row.ExitBybitOrderID,
		ClientOrderID:     row.ClientOrderID,
		ExitClientOrderID: row.ExitClientOrderID,
		EntrySpreadPct:    row.EntrySpreadPct,
		EntryZScore:       row.EntryZScore,
		EntryUsdKrw:       row.EntryUsdKrw,
		OpenedAt:          row.OpenedAt,
		ClosedAt:          row.ClosedAt,
		InFlight:          row.InFlight,
		SucceededLeg:      SucceededLeg(row.SucceededLeg),
		EmergencyAttempts: row.EmergencyAttempts,
	}
	if row.RealizedPnL != nil {
		pnl, err := money.Parse(*row.RealizedPnL)
		if err != nil {
			return Record{}, err
		}
		rec.RealizedPnL = &pnl
	}
	return rec, nil
}

func (s *GormStore) Save(ctx context.Context, rec Record) (int64, error) {
	if rec.State == Opening || rec.State == Closing {
		var n int64
		if err := s.db.WithContext(ctx).Model(&positionRow{}).
			Where("session_id = ? AND coin = ? AND state = ?", rec.SessionID, rec.Coin, string(rec.State)).
			Count(&n).Error; err != nil {
			return 0, fmt.Errorf("position: save: %w", err)
		}
		if n > 0 {
			return 0, fmt.Errorf("position: session %s coin %s already has a %s row", rec.SessionID, rec.Coin, rec.State)
		}
	}
	row := toRow(rec)
	row.ID = 0
	if result := s.db.WithContext(ctx).Create(&row); result.Error != nil {
		return 0, fmt.Errorf("position: save: %w", result.Error)
	}
	return row.ID, nil
}

// UpdateState performs the optimistic-lock compare-and-set as a single
// UPDATE ... WHERE id = ? AND state = ?, using RowsAffected to
// distinguish Applied from AlreadyTransitioned — the SQL equivalent of
// the original's row-count-based CAS.
func (s *GormStore) UpdateState(ctx context.Context, id int64, from, to State, fields UpdateFields) (TransitionResult, error) {
	// from==to skips the legality check (there is no state move to
	// validate) but still applies fields via the same WHERE state=from
	// guard below, since the executor uses same-state calls to persist
	// in-flight progress like EmergencyAttempts/SucceededLeg.
	if from != to && !IsLegalTransition(from, to) {
		return AlreadyTransitioned, fmt.Errorf("position: illegal transition %s->%s for id %d", from, to, id)
	}

	updates := map[string]interface{}{"state": string(to)}
	if fields.UpbitQty != nil {
		updates["upbit_qty"] = fields.UpbitQty.String()
	}
	if fields.BybitQty != nil {
		updates["bybit_qty"] = fields.BybitQty.String()
	}
	if fields.UpbitEntryPrice != nil {
		updates["upbit_entry_price"] = fields.UpbitEntryPrice.String()
	}
	if fields.BybitEntryPrice != nil {
		updates["bybit_entry_price"] = fields.BybitEntryPrice.String()
	}
	if fields.UpbitOrderID != nil {
		updates["upbit_order_id"] = *fields.UpbitOrderID
	}
	if fields.BybitOrderID != nil {
		updates["bybit_order_id"] = *fields.BybitOrderID
	}
	if fields.ExitUpbitOrderID != nil {
		updates["exit_upbit_order_id"] = *fields.ExitUpbitOrderID
	}
	if fields.ExitBybitOrderID != nil {
		updates["exit_bybit_order_id"] = *fields.ExitBybitOrderID
	}
	if fields.ClosedAt != nil {
		updates["closed_at"] = *fields.ClosedAt
	}
	if fields.RealizedPnL != nil {
		updates["realized_pnl"] = fields.RealizedPnL.String()
	}
	if fields.InFlight != nil {
		updates["in_flight"] = *fields.InFlight
	}
	if fields.SucceededLeg != nil {
		updates["succeeded_leg"] = string(*fields.SucceededLeg)
	}
	if fields.EmergencyAttempts != nil {
		updates["emergency_attempts"] = *fields.EmergencyAttempts
	}

	result := s.db.WithContext(ctx).Model(&positionRow{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return AlreadyTransitioned, fmt.Errorf("position: update_state: %w", result.Error)
	}
	if from == to {
		// Same-state calls persist fields (EmergencyAttempts, etc.) but
		// never report Applied: no state move happened.
		return AlreadyTransitioned, nil
	}
	if result.RowsAffected == 1 {
		return Applied, nil
	}
	return AlreadyTransitioned, nil
}

func (s *GormStore) LoadOpen(ctx context.Context, sessionID string) ([]Record, error) {
	var rows []positionRow
	result := s.db.WithContext(ctx).
		Where("session_id = ? AND state <> ?", sessionID, string(Closed)).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("position: load_open: %w", result.Error)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) Remove(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&positionRow{}, id)
	if result.Error != nil {
		return fmt.Errorf("position: remove: %w", result.Error)
	}
	return nil
}

// PriorSession finds the most recently started session still marked
// Running — a previous process that never reached EndSession, i.e.
// crashed — by ordering on started_at descending. Rows with equal
// started_at are not ordered further.
func (s *GormStore) PriorSession(ctx context.Context) (string, bool, error) {
	var row sessionRow
	result := s.db.WithContext(ctx).
		Where("status = ?", string(SessionRunning)).
		Order("started_at DESC").
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if result.Error != nil {
		return "", false, fmt.Errorf("position: prior_session: %w", result.Error)
	}
	return row.ID, true, nil
}

func (s *GormStore) StartSession(ctx context.Context, id, parentSessionID string) error {
	row := sessionRow{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Status:    string(SessionRunning),
	}
	if parentSessionID != "" {
		row.ParentSessionID = &parentSessionID
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("position: start_session: %w", err)
	}
	return nil
}

func (s *GormStore) EndSession(ctx context.Context, id string, status SessionStatus) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": string(status), "ended_at": now})
	if result.Error != nil {
		return fmt.Errorf("position: end_session: %w", result.Error)
	}
	return nil
}
