// Package sqlitedb stores run history in SQLite through gorm, with the schema managed by golang-migrate.
package sqlitedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"

	"github.com/alanbriolat/m3u8dl/internal/session"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Database interface {
	Close() error

	session.Database
}

type database struct {
	db    *gorm.DB
	sqlDB *sql.DB
	log   *zap.SugaredLogger
}

type runRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	URL        string    `gorm:"column:url"`
	Output     string    `gorm:"column:output"`
	Mode       string    `gorm:"column:mode"`
	Status     string    `gorm:"column:status"`
	Error      string    `gorm:"column:error"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at"`
	Chunks     int       `gorm:"column:chunks"`
	Downloaded int       `gorm:"column:downloaded"`
	Failed     int       `gorm:"column:failed"`
	Bytes      int64     `gorm:"column:bytes"`
	FailedURLs string    `gorm:"column:failed_urls"`
}

func (runRow) TableName() string {
	return "runs"
}

func New(path string, logger *zap.Logger) (Database, error) {
	if logger == nil {
		logger = zap.L()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: zapgorm2.New(logger.Named("gorm")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	d := &database{db: db, sqlDB: sqlDB, log: logger.Sugar().Named("sqlitedb")}
	if err := d.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *database) migrate() error {
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(d.sqlDB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch {
	case err == nil:
		d.log.Debug("history database migration complete")
	case errors.Is(err, migrate.ErrNoChange):
		d.log.Debug("no history database migration required")
	default:
		return fmt.Errorf("history database migration failed: %w", err)
	}
	return nil
}

func (d *database) Close() error {
	return d.sqlDB.Close()
}

func (d *database) ListRuns() ([]session.RunRecord, error) {
	var rows []runRow
	if err := d.db.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	runs := make([]session.RunRecord, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toRecord())
	}
	return runs, nil
}

func (d *database) WriteRun(record *session.RunRecord) error {
	row := fromRecord(record)
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (d *database) DeleteRun(id session.RunID) error {
	result := d.db.Delete(&runRow{}, "id = ?", string(id))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", session.ErrRunNotFound, id)
	}
	return nil
}

func fromRecord(r *session.RunRecord) runRow {
	return runRow{
		ID:         string(r.ID),
		URL:        r.URL,
		Output:     r.Output,
		Mode:       r.Mode,
		Status:     string(r.Status),
		Error:      r.Error,
		StartedAt:  r.StartedAt.UTC(),
		FinishedAt: r.FinishedAt.UTC(),
		Chunks:     r.Chunks,
		Downloaded: r.Downloaded,
		Failed:     r.Failed,
		Bytes:      r.Bytes,
		FailedURLs: strings.Join(r.FailedURLs, "\n"),
	}
}

func (row runRow) toRecord() session.RunRecord {
	r := session.RunRecord{
		ID:         session.RunID(row.ID),
		URL:        row.URL,
		Output:     row.Output,
		Mode:       row.Mode,
		Status:     session.RunStatus(row.Status),
		Error:      row.Error,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
		Chunks:     row.Chunks,
		Downloaded: row.Downloaded,
		Failed:     row.Failed,
		Bytes:      row.Bytes,
	}
	if row.FailedURLs != "" {
		r.FailedURLs = strings.Split(row.FailedURLs, "\n")
	}
	return r
}
