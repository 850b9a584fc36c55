package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"poolledger/core/events"
)

// subjectKeys are probed in order to find the account an event is about.
var subjectKeys = []string{"account", "borrower", "payer", "caller"}

// Indexer persists committed ledger events into a SQL store.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Filter narrows event queries and exports.
type Filter struct {
	TypePrefix string
	Subject    string
	After      uint64
	Limit      int
}

// OpenDSN connects to postgres for postgres:// DSNs and to sqlite otherwise.
func OpenDSN(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("indexer: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return gorm.Open(postgres.Open(dsn), cfg)
	}
	return gorm.Open(sqlite.Open(dsn), cfg)
}

// New migrates db and resumes sequencing after the highest stored event.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	var last struct{ Max uint64 }
	if err := db.Model(&EventRecord{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("indexer: load sequence: %w", err)
	}
	return &Indexer{db: db, logger: log.With("component", "indexer"), now: time.Now, seq: last.Max}, nil
}

// Emit implements events.Emitter. Failures are logged; the ledger has already
// committed by the time events arrive here.
func (ix *Indexer) Emit(evt events.Event) {
	if err := ix.Record(context.Background(), evt); err != nil {
		ix.logger.Error("index event", "type", evt.EventType(), "error", err)
	}
}

// Record stores evt and returns an error if it could not be persisted.
func (ix *Indexer) Record(ctx context.Context, evt events.Event) error {
	rendered, ok := events.Render(evt)
	if !ok {
		return nil
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec := EventRecord{
		ID:         uuid.New(),
		Sequence:   ix.seq + 1,
		Type:       rendered.Type,
		Module:     moduleOf(rendered.Type),
		Subject:    subjectOf(rendered.Attributes),
		Attributes: string(attrs),
		RecordedAt: ix.now().UTC(),
	}
	if err := ix.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	ix.seq = rec.Sequence
	return nil
}

// Events returns stored events matching f in sequence order.
func (ix *Indexer) Events(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := ix.db.WithContext(ctx).Model(&EventRecord{}).Where("sequence > ?", f.After)
	if f.TypePrefix != "" {
		q = q.Where(`type LIKE ? ESCAPE '\'`, escapeLike(f.TypePrefix)+"%")
	}
	if f.Subject != "" {
		q = q.Where("subject = ?", f.Subject)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []EventRecord
	if err := q.Order("sequence ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Decode returns the attribute map of rec.
func (rec EventRecord) Decode() (map[string]string, error) {
	out := map[string]string{}
	if rec.Attributes == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(rec.Attributes), &out)
	return out, err
}

func moduleOf(eventType string) string {
	if idx := strings.IndexByte(eventType, '.'); idx > 0 {
		return eventType[:idx]
	}
	return eventType
}

func subjectOf(attrs map[string]string) string {
	for _, key := range subjectKeys {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			return v
		}
	}
	return ""
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
