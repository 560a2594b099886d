// Package indexer mirrors committed purchases into a SQL database for
// reporting. The purchase journal stays authoritative; the index can be
// rebuilt from it at any time.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tokensale/core/events"
	"tokensale/crypto"
	"tokensale/native/crowdsale"
)

var ErrDSNRequired = errors.New("indexer: DSN required")

// PurchaseRecord is the SQL row for one purchase. Amounts are decimal
// strings since they exceed every native SQL integer type.
type PurchaseRecord struct {
	Receipt     string    `gorm:"primaryKey;size:36"`
	Seq         uint64    `gorm:"uniqueIndex;not null"`
	Purchaser   string    `gorm:"size:42;index"`
	Beneficiary string    `gorm:"size:42;index"`
	ValueWei    string    `gorm:"not null"`
	Tokens      string    `gorm:"not null"`
	Rate        string    `gorm:"not null"`
	Position    uint64    `gorm:"index"`
	IndexedAt   time.Time `gorm:"not null"`
}

// TableName pins the table name independent of gorm's pluralisation.
func (PurchaseRecord) TableName() string { return "sale_purchases" }

// Contributor aggregates purchases credited to one beneficiary.
type Contributor struct {
	Beneficiary string
	Purchases   int
	ValueWei    *big.Int
	Tokens      *big.Int
}

// Open connects to dsn. postgres:// and postgresql:// URLs (or key=value
// DSNs containing host=) use postgres; anything else is a sqlite path.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	if isPostgres(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", dialector.Name(), err)
	}
	return db, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Indexer writes purchases to the SQL index.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New migrates the schema and returns an indexer over db.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if err := db.AutoMigrate(&PurchaseRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{db: db, logger: log.With(slog.String("component", "indexer")), now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (ix *Indexer) Close() error {
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func recordFrom(p *crowdsale.Purchase, now time.Time) PurchaseRecord {
	return PurchaseRecord{
		Receipt:     p.Receipt,
		Seq:         p.Seq,
		Purchaser:   crypto.FormatAddress(p.Purchaser),
		Beneficiary: crypto.FormatAddress(p.Beneficiary),
		ValueWei:    p.Value.String(),
		Tokens:      p.Amount.String(),
		Rate:        p.Rate.String(),
		Position:    p.Position,
		IndexedAt:   now.UTC(),
	}
}

// Record stores one purchase. Recording the same receipt twice is a no-op.
func (ix *Indexer) Record(ctx context.Context, p *crowdsale.Purchase) error {
	if p == nil {
		return nil
	}
	_, err := ix.insert(ctx, []PurchaseRecord{recordFrom(p, ix.now())})
	return err
}

// Sync stores every purchase not yet indexed and returns how many rows were
// added.
func (ix *Indexer) Sync(ctx context.Context, purchases []*crowdsale.Purchase) (int, error) {
	if len(purchases) == 0 {
		return 0, nil
	}
	now := ix.now()
	rows := make([]PurchaseRecord, 0, len(purchases))
	for _, p := range purchases {
		if p != nil {
			rows = append(rows, recordFrom(p, now))
		}
	}
	added, err := ix.insert(ctx, rows)
	if err != nil {
		return 0, err
	}
	ix.logger.Info("purchase index synced", slog.Int("added", added), slog.Int("journal", len(purchases)))
	return added, nil
}

func (ix *Indexer) insert(ctx context.Context, rows []PurchaseRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("indexer: insert: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Emit indexes purchase events as they are committed. Failures are logged;
// a later Sync fills the gap.
func (ix *Indexer) Emit(evt events.Event) {
	purchase, ok := evt.(crowdsale.TokenPurchase)
	if !ok || purchase.Purchase == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Record(ctx, purchase.Purchase); err != nil {
		ix.logger.Warn("index purchase failed",
			slog.Uint64("seq", purchase.Purchase.Seq),
			slog.Any("error", err))
	}
}

// Latest returns the highest indexed sequence number, zero when empty.
func (ix *Indexer) Latest(ctx context.Context) (uint64, error) {
	var rows []PurchaseRecord
	if err := ix.db.WithContext(ctx).Order("seq DESC").Limit(1).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("indexer: latest: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Seq, nil
}

// Purchases lists indexed purchases in sequence order, optionally filtered
// by beneficiary.
func (ix *Indexer) Purchases(ctx context.Context, beneficiary string) ([]PurchaseRecord, error) {
	query := ix.db.WithContext(ctx).Order("seq ASC")
	if trimmed := strings.TrimSpace(beneficiary); trimmed != "" {
		addr, err := crypto.ParseAddress(trimmed)
		if err != nil {
			return nil, err
		}
		query = query.Where("beneficiary = ?", crypto.FormatAddress(addr))
	}
	var rows []PurchaseRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("indexer: list: %w", err)
	}
	return rows, nil
}

// Contributors returns beneficiaries ordered by contributed value, largest
// first. A non-positive limit returns all of them.
func (ix *Indexer) Contributors(ctx context.Context, limit int) ([]Contributor, error) {
	rows, err := ix.Purchases(ctx, "")
	if err != nil {
		return nil, err
	}
	byAddr := make(map[string]*Contributor)
	for _, row := range rows {
		value, ok := new(big.Int).SetString(row.ValueWei, 10)
		if !ok {
			return nil, fmt.Errorf("indexer: seq %d: bad value %q", row.Seq, row.ValueWei)
		}
		tokens, ok := new(big.Int).SetString(row.Tokens, 10)
		if !ok {
			return nil, fmt.Errorf("indexer: seq %d: bad tokens %q", row.Seq, row.Tokens)
		}
		c, ok := byAddr[row.Beneficiary]
		if !ok {
			c = &Contributor{Beneficiary: row.Beneficiary, ValueWei: new(big.Int), Tokens: new(big.Int)}
			byAddr[row.Beneficiary] = c
		}
		c.Purchases++
		c.ValueWei.Add(c.ValueWei, value)
		c.Tokens.Add(c.Tokens, tokens)
	}
	out := make([]Contributor, 0, len(byAddr))
	for _, c := range byAddr {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].ValueWei.Cmp(out[j].ValueWei); cmp != 0 {
			return cmp > 0
		}
		return out[i].Beneficiary < out[j].Beneficiary
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
