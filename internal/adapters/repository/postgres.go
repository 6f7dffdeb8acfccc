package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/pitchpulse/internal/domain/model"
)

// matchRow is the persisted form of model.Match.
type matchRow struct {
	ID        string `gorm:"primaryKey"`
	TenantID  string `gorm:"not null;index"`
	Team1ID   string `gorm:"not null"`
	Team2ID   string `gorm:"not null"`
	Format    string `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func (matchRow) TableName() string { return "matches" }

// eventRow is one appended record. The composite primary key enforces a
// single record per (match_id, seq).
type eventRow struct {
	MatchID    string `gorm:"primaryKey"`
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Kind       string `gorm:"not null"`
	Payload    string `gorm:"type:jsonb;not null"`
	CommandID  string `gorm:"not null;default:''"`
	RecordedAt time.Time
}

func (eventRow) TableName() string { return "events" }

// PostgresLog stores match logs in PostgreSQL through gorm.
type PostgresLog struct {
	db   *gorm.DB
	opts *options
}

var _ Log = (*PostgresLog)(nil)

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string, opts ...Option) (*PostgresLog, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrPersistence, err)
	}
	return NewPostgresLog(db, opts...)
}

// NewPostgresLog wraps an open gorm handle and migrates the schema.
func NewPostgresLog(db *gorm.DB, opts ...Option) (*PostgresLog, error) {
	if err := db.AutoMigrate(&matchRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	return &PostgresLog{db: db, opts: newOptions(opts)}, nil
}

func (p *PostgresLog) CreateMatch(ctx context.Context, m model.Match) error {
	format, err := json.Marshal(m.Format)
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	err = p.db.WithContext(ctx).Create(&matchRow{
		ID:        m.ID,
		TenantID:  m.TenantID,
		Team1ID:   m.Team1ID,
		Team2ID:   m.Team2ID,
		Format:    string(format),
		CreatedAt: m.CreatedAt.UTC(),
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrMatchExists, m.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: create match: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresLog) Match(ctx context.Context, matchID string) (model.Match, error) {
	return p.match(p.db.WithContext(ctx), matchID, false)
}

func (p *PostgresLog) match(tx *gorm.DB, matchID string, lock bool) (model.Match, error) {
	var row matchRow
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ?", matchID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Match{}, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	if err != nil {
		return model.Match{}, fmt.Errorf("%w: read match: %v", ErrPersistence, err)
	}
	m := model.Match{
		ID:        row.ID,
		TenantID:  row.TenantID,
		Team1ID:   row.Team1ID,
		Team2ID:   row.Team2ID,
		CreatedAt: row.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.Format), &m.Format); err != nil {
		return model.Match{}, fmt.Errorf("%w: decode format of %s: %v", ErrPersistence, matchID, err)
	}
	return m, nil
}

// Append locks the match row so that concurrent appends to one match
// serialize on the tail check.
func (p *PostgresLog) Append(ctx context.Context, matchID string, expectedLastSeq uint64, commandID string, payloads ...model.Payload) (recs []model.Record, err error) {
	start := time.Now()
	defer func() { observeAppend(start, recs, err) }()

	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := p.match(tx, matchID, true); err != nil {
			return err
		}
		tail, err := tailOf(tx, matchID)
		if err != nil {
			return err
		}
		if tail != expectedLastSeq {
			return fmt.Errorf("%w: expected %d, tail is %d", ErrConflict, expectedLastSeq, tail)
		}

		recs = buildRecords(matchID, tail, commandID, p.opts.stamp(), payloads)
		rows := make([]eventRow, len(recs))
		for i, r := range recs {
			kind, body, err := model.EncodePayload(r.Payload)
			if err != nil {
				return err
			}
			rows[i] = eventRow{
				MatchID:    r.MatchID,
				Seq:        r.Seq,
				Kind:       string(kind),
				Payload:    string(body),
				CommandID:  r.CommandID,
				RecordedAt: r.RecordedAt,
			}
		}
		err = tx.Create(&rows).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: seq %d already written", ErrConflict, recs[0].Seq)
		}
		if err != nil {
			return fmt.Errorf("%w: insert events: %v", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		recs = nil
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) && !isPersistence(err) && !errors.Is(err, model.ErrUnknownKind) {
			err = fmt.Errorf("%w: append: %v", ErrPersistence, err)
		}
		return nil, err
	}
	return recs, nil
}

func tailOf(tx *gorm.DB, matchID string) (uint64, error) {
	var tail uint64
	err := tx.Model(&eventRow{}).
		Where("match_id = ?", matchID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&tail).Error
	if err != nil {
		return 0, fmt.Errorf("%w: read tail: %v", ErrPersistence, err)
	}
	return tail, nil
}

func (p *PostgresLog) ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *Cursor {
	return newCursor(ctx, afterSeq, p.opts.pageSize, func(ctx context.Context, after uint64, limit int) ([]model.Record, error) {
		var rows []eventRow
		err := p.db.WithContext(ctx).
			Where("match_id = ? AND seq > ?", matchID, after).
			Order("seq ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("%w: query events: %v", ErrPersistence, err)
		}
		if len(rows) == 0 {
			if _, err := p.Match(ctx, matchID); err != nil {
				return nil, err
			}
			return nil, nil
		}

		out := make([]model.Record, len(rows))
		for i, row := range rows {
			pl, err := model.DecodePayload(model.Kind(row.Kind), []byte(row.Payload))
			if err != nil {
				return nil, fmt.Errorf("%w: seq %d: %v", ErrPersistence, row.Seq, err)
			}
			out[i] = model.Record{
				MatchID:    row.MatchID,
				Seq:        row.Seq,
				RecordedAt: row.RecordedAt.UTC(),
				CommandID:  row.CommandID,
				Payload:    pl,
			}
		}
		return out, nil
	})
}

func (p *PostgresLog) LatestSeq(ctx context.Context, matchID string) (uint64, error) {
	if _, err := p.Match(ctx, matchID); err != nil {
		return 0, err
	}
	return tailOf(p.db.WithContext(ctx), matchID)
}

// MatchIDs lists registered match ids in creation order.
func (p *PostgresLog) MatchIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := p.db.WithContext(ctx).Model(&matchRow{}).Order("created_at ASC, id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list matches: %v", ErrPersistence, err)
	}
	return ids, nil
}

func (p *PostgresLog) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresLog) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
