// Package postgres is a PostgreSQL-backed track catalog.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config represents the PostgreSQL catalog config.
type Config struct {
	DSN          string        `koanf:"dsn"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	ConnMaxLife  time.Duration `koanf:"conn_max_lifetime"`
	AutoMigrate  bool          `koanf:"auto_migrate"`
}

type trackRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Artist    string
	FileURL   string `gorm:"column:file_url"`
	Duration  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (trackRow) TableName() string { return "tracks" }

// Postgres is a catalog reading the tracks table.
type Postgres struct {
	db *gorm.DB
}

// New opens the database and optionally migrates the tracks table.
func New(cfg Config) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&trackRow{}); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate tracks: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

// Track implements catalog.Catalog.
func (p *Postgres) Track(ctx context.Context, id string) (engine.Track, error) {
	var row trackRow
	err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.Track{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	if err != nil {
		return engine.Track{}, fmt.Errorf("query track %s: %w", id, err)
	}
	return engine.Track{
		ID:       row.ID,
		Title:    row.Title,
		Artist:   row.Artist,
		FileURL:  row.FileURL,
		Duration: row.Duration,
	}, nil
}

// Put upserts a track.
func (p *Postgres) Put(ctx context.Context, t engine.Track) error {
	row := trackRow{
		ID:       t.ID,
		Title:    t.Title,
		Artist:   t.Artist,
		FileURL:  t.FileURL,
		Duration: t.Duration,
	}
	return p.db.WithContext(ctx).Save(&row).Error
}

// Close closes the underlying pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
