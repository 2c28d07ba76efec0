//go:build !js && !wasm

// Package storage is the vector index: entries (id, 12-bin vector,
// metadata) in SQLite, ranked by exact cosine distance.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/fingerprint"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

const (
	DefaultDBFile  = "harmonicdna.sqlite3"
	errDBClientNil = "db client is nil"
	batchSize      = 500
)

var ErrDimension = errors.New("storage: vector dimension mismatch")

// Entry is the persisted row. Seq is assigned on first insert and orders
// ties in query results.
type Entry struct {
	Seq           uint64  `gorm:"primaryKey;autoIncrement"`
	ID            string  `gorm:"type:varchar(255);uniqueIndex:idx_entry_id;not null"`
	Song          string  `gorm:"index:idx_entry_song;not null"`
	OffsetSeconds float64 `gorm:"not null"`
	Title         string
	Artist        string
	Meta          string `gorm:"type:text"`
	Embedding     []byte `gorm:"type:blob"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type VectorIndex struct {
	DB  *gorm.DB
	db  *sql.DB
	dim int
}

// NewVectorIndex opens the index at the path in HARMONIC_DB_PATH, or
// DefaultDBFile.
func NewVectorIndex() (*VectorIndex, error) {
	dbPath := os.Getenv("HARMONIC_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewVectorIndexWithPath(dbPath)
}

func NewVectorIndexWithPath(dbPath string) (*VectorIndex, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	// SQLite allows one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &VectorIndex{DB: db, db: sqlDB, dim: models.Dimensions}, nil
}

func (v *VectorIndex) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *VectorIndex) ready() error {
	if v == nil || v.DB == nil {
		return errors.New(errDBClientNil)
	}
	return nil
}

// Upsert inserts or replaces entries by id in a single transaction: either
// every entry is written or none is.
func (v *VectorIndex) Upsert(ctx context.Context, entries []models.Entry) error {
	if err := v.ready(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	rows := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != v.dim {
			return fmt.Errorf("%w: entry %s has %d dims, want %d", ErrDimension, e.ID, len(e.Vector), v.dim)
		}
		row, err := toRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return v.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"song", "offset_seconds", "title", "artist", "meta", "embedding", "updated_at"}),
		}).CreateInBatches(&rows, batchSize).Error
		if err != nil {
			return fmt.Errorf("upserting %d entries: %w", len(rows), err)
		}
		return nil
	})
}

// QueryByMetadata returns up to limit entry ids matching filter, in
// insertion order. limit <= 0 means no limit.
func (v *VectorIndex) QueryByMetadata(ctx context.Context, filter models.Filter, limit int) ([]string, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}

	q := v.DB.WithContext(ctx).Model(&Entry{}).Order("seq")
	if filter.Song != "" {
		q = q.Where("song = ?", filter.Song)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	return ids, nil
}

type scored struct {
	row  *Entry
	dist float64
}

// QueryByVector ranks every stored entry by cosine distance to vec and
// returns the topK closest. Ties keep insertion order. Entries with a zero
// vector sit at distance 1.
func (v *VectorIndex) QueryByVector(ctx context.Context, vec models.Fingerprint, topK int) ([]models.Hit, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	if len(vec) != v.dim {
		return nil, fmt.Errorf("%w: query has %d dims, want %d", ErrDimension, len(vec), v.dim)
	}

	var rows []Entry
	err := v.DB.WithContext(ctx).
		Select("seq", "id", "song", "offset_seconds", "title", "artist", "meta", "embedding").
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading vectors: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ranked := make([]scored, 0, len(rows))
	for i := range rows {
		stored, err := DecodeVector(rows[i].Embedding)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", rows[i].ID, err)
		}
		ranked = append(ranked, scored{row: &rows[i], dist: fingerprint.CosineDistance(vec, stored)})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	hits := make([]models.Hit, 0, len(ranked))
	for _, s := range ranked {
		meta, err := decodeMeta(s.row)
		if err != nil {
			return nil, err
		}
		hits = append(hits, models.Hit{ID: s.row.ID, Metadata: meta, Distance: s.dist})
	}
	return hits, nil
}

func (v *VectorIndex) Count(ctx context.Context) (int64, error) {
	if err := v.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := v.DB.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// DeleteSong removes every entry of song and reports how many went.
func (v *VectorIndex) DeleteSong(ctx context.Context, song string) (int64, error) {
	if err := v.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := v.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("song = ?", song).Delete(&Entry{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("deleting song %s: %w", song, err)
	}
	return n, nil
}

type songRow struct {
	Song        string
	Title       string
	Artist      string
	Entries     int
	FirstOffset float64
	LastOffset  float64
}

func (v *VectorIndex) ListSongs(ctx context.Context) ([]models.SongSummary, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}

	var rows []songRow
	err := v.DB.WithContext(ctx).Model(&Entry{}).
		Select("song, MAX(title) AS title, MAX(artist) AS artist, COUNT(*) AS entries, " +
			"MIN(offset_seconds) AS first_offset, MAX(offset_seconds) AS last_offset").
		Group("song").
		Order("song").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing songs: %w", err)
	}

	out := make([]models.SongSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.SongSummary{
			SongID:      r.Song,
			Title:       r.Title,
			Artist:      r.Artist,
			Entries:     r.Entries,
			FirstOffset: r.FirstOffset,
			LastOffset:  r.LastOffset,
		})
	}
	return out, nil
}

// Entries returns up to limit stored entries in insertion order, vectors
// included. limit <= 0 means all.
func (v *VectorIndex) Entries(ctx context.Context, limit int) ([]models.Entry, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}

	q := v.DB.WithContext(ctx).Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Entry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	out := make([]models.Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func toRow(e models.Entry) (Entry, error) {
	meta := make(map[string]any, len(e.Metadata)+2)
	for k, val := range e.Metadata {
		meta[k] = val
	}
	meta[models.MetaSong] = e.SongID
	meta[models.MetaOffsetSeconds] = e.OffsetSeconds

	data, err := json.Marshal(meta)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding metadata of %s: %w", e.ID, err)
	}

	title, _ := meta[models.MetaTitle].(string)
	artist, _ := meta[models.MetaArtist].(string)
	return Entry{
		ID:            e.ID,
		Song:          e.SongID,
		OffsetSeconds: e.OffsetSeconds,
		Title:         title,
		Artist:        artist,
		Meta:          string(data),
		Embedding:     EncodeVector(e.Vector),
	}, nil
}

func decodeMeta(row *Entry) (map[string]any, error) {
	meta := map[string]any{}
	if row.Meta != "" {
		if err := json.Unmarshal([]byte(row.Meta), &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", row.ID, err)
		}
	}
	meta[models.MetaSong] = row.Song
	meta[models.MetaOffsetSeconds] = row.OffsetSeconds
	return meta, nil
}

func fromRow(row *Entry) (models.Entry, error) {
	meta, err := decodeMeta(row)
	if err != nil {
		return models.Entry{}, err
	}
	vec, err := DecodeVector(row.Embedding)
	if err != nil {
		return models.Entry{}, fmt.Errorf("entry %s: %w", row.ID, err)
	}
	return models.Entry{
		ID:            row.ID,
		SongID:        row.Song,
		OffsetSeconds: row.OffsetSeconds,
		Vector:        vec,
		Metadata:      meta,
	}, nil
}
