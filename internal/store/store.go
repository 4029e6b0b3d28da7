// Package store persists every engine record (backups, restores, verifications,
// schedules, recovery plans and incidents) in a SQL database through gorm.
// Records are written with single-row creates and updates; ownership of each
// row's transitions stays with the component that created it. The database is
// shared between the serve process and one-shot commands, so cross-process
// exclusion (one in-flight backup per source and scope) is enforced here.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/recovery"
	"backup-orchestrator/internal/schedule"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the database file
type Config struct {
	Path string `yaml:"path" mapstructure:"path"`
	// LogSQL logs every statement through gorm's logger.
	LogSQL bool `yaml:"log_sql" mapstructure:"log_sql"`
}

// SetDefaults fills unset values
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = filepath.Join(".", "backup-orchestrator.db")
	}
}

// Store implements backup.Store, schedule.Store and recovery.Store.
type Store struct {
	db *gorm.DB
}

var (
	_ backup.Store   = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
	_ recovery.Store = (*Store)(nil)
)

// busyTimeout lets a second process wait for the sqlite write lock instead of
// failing with SQLITE_BUSY.
const busyTimeout = "_busy_timeout=5000"

// inFlightIndex allows one IN_PROGRESS backup per (source, scope).
const inFlightIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_backups_in_flight
	ON backups (source_name, scope) WHERE status = 'IN_PROGRESS'`

// Open opens (creating if needed) the sqlite database at config.Path and migrates it.
func Open(config Config) (*Store, error) {
	config.SetDefaults()
	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, backup.NewConfigurationError("failed to create database directory", err)
		}
	}

	level := logger.Silent
	if config.LogSQL {
		level = logger.Info
	}
	dsn := config.Path
	if strings.Contains(dsn, "?") {
		dsn += "&" + busyTimeout
	} else {
		dsn += "?" + busyTimeout
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, backup.NewConfigurationError("failed to open database: "+config.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, backup.NewConfigurationError("failed to access database handle", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY under concurrent pipelines.
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&backup.Backup{},
		&backup.RestoreOperation{},
		&backup.VerificationRecord{},
		&schedule.Schedule{},
		&recovery.Plan{},
		&recovery.Incident{},
	); err != nil {
		return nil, backup.NewPersistenceError("failed to migrate database schema", err)
	}
	if err := db.Exec(inFlightIndex).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to create in-flight backup index", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the gorm handle so other components (the key vault) can share the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) create(ctx context.Context, kind string, value interface{}) error {
	if err := s.db.WithContext(ctx).Create(value).Error; err != nil {
		return backup.NewPersistenceError(fmt.Sprintf("failed to create %s", kind), err)
	}
	return nil
}

// update rewrites every column of an existing row and fails with NOT_FOUND when
// no row has the given id.
func (s *Store) update(ctx context.Context, kind, id string, value interface{}) error {
	result := s.db.WithContext(ctx).Model(value).Where("id = ?", id).Select("*").Updates(value)
	if result.Error != nil {
		return backup.NewPersistenceError(fmt.Sprintf("failed to update %s", kind), result.Error).
			WithContext("id", id)
	}
	if result.RowsAffected == 0 {
		return backup.NewNotFoundError(fmt.Sprintf("%s not found", kind), nil).WithContext("id", id)
	}
	return nil
}

func (s *Store) first(ctx context.Context, kind string, dest interface{}, query string, args ...interface{}) error {
	err := s.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return backup.NewNotFoundError(fmt.Sprintf("%s not found", kind), err).WithContext("query", args)
	}
	if err != nil {
		return backup.NewPersistenceError(fmt.Sprintf("failed to load %s", kind), err)
	}
	return nil
}

// CreateBackup inserts b. A second IN_PROGRESS row for the same source and scope
// violates idx_backups_in_flight and is reported as CONCURRENCY_CONFLICT.
func (s *Store) CreateBackup(ctx context.Context, b *backup.Backup) error {
	err := s.db.WithContext(ctx).Create(b).Error
	if isUniqueViolation(err, "backups.source_name") {
		return backup.NewConcurrencyConflict("another backup of this source and scope is in progress", err).
			WithContext("source", b.SourceName).
			WithContext("scope", b.Scope)
	}
	if err != nil {
		return backup.NewPersistenceError("failed to create backup", err)
	}
	return nil
}

// FinishBackup writes the final state of b, provided the stored row is still
// IN_PROGRESS and owned by b.Owner.
func (s *Store) FinishBackup(ctx context.Context, b *backup.Backup) error {
	result := s.db.WithContext(ctx).Model(b).
		Where("id = ? AND status = ? AND owner = ?", b.ID, backup.BackupStatusInProgress, b.Owner).
		Select("*").Updates(b)
	if result.Error != nil {
		return backup.NewPersistenceError("failed to finalize backup", result.Error).WithContext("id", b.ID)
	}
	if result.RowsAffected == 0 {
		return s.ownershipLost(ctx, b.ID, b.Owner)
	}
	return nil
}

// TouchBackup refreshes the heartbeat of an IN_PROGRESS backup held by owner.
func (s *Store) TouchBackup(ctx context.Context, id, owner string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&backup.Backup{}).
		Where("id = ? AND status = ? AND owner = ?", id, backup.BackupStatusInProgress, owner).
		Update("heartbeat_at", at.UTC())
	if result.Error != nil {
		return backup.NewPersistenceError("failed to refresh backup heartbeat", result.Error).WithContext("id", id)
	}
	if result.RowsAffected == 0 {
		return s.ownershipLost(ctx, id, owner)
	}
	return nil
}

func (s *Store) ownershipLost(ctx context.Context, id, owner string) error {
	current, err := s.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	return backup.NewConcurrencyConflict("backup is no longer in progress under this owner", nil).
		WithContext("id", id).
		WithContext("owner", owner).
		WithContext("current_owner", current.Owner).
		WithContext("status", string(current.Status))
}

// isUniqueViolation matches sqlite's constraint message so that a duplicate
// primary key is not mistaken for an in-flight conflict.
func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func (s *Store) UpdateBackup(ctx context.Context, b *backup.Backup) error {
	return s.update(ctx, "backup", b.ID, b)
}

func (s *Store) GetBackup(ctx context.Context, id string) (*backup.Backup, error) {
	b := &backup.Backup{}
	if err := s.first(ctx, "backup", b, "id = ?", id); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBackups returns backups matching filter, newest first
func (s *Store) ListBackups(ctx context.Context, filter backup.BackupFilter) ([]*backup.Backup, error) {
	query := s.db.WithContext(ctx).Model(&backup.Backup{})
	if filter.SourceName != "" {
		query = query.Where("source_name = ?", filter.SourceName)
	}
	if filter.Scope != "" {
		query = query.Where("scope = ?", filter.Scope)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ScheduleID != "" {
		query = query.Where("schedule_id = ?", filter.ScheduleID)
	}
	if filter.StartedBefore != nil {
		query = query.Where("started_at < ?", filter.StartedBefore.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	result := make([]*backup.Backup, 0)
	if err := query.Order("started_at DESC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list backups", err)
	}
	return result, nil
}

func (s *Store) CreateRestore(ctx context.Context, op *backup.RestoreOperation) error {
	return s.create(ctx, "restore operation", op)
}

func (s *Store) UpdateRestore(ctx context.Context, op *backup.RestoreOperation) error {
	return s.update(ctx, "restore operation", op.ID, op)
}

func (s *Store) GetRestore(ctx context.Context, id string) (*backup.RestoreOperation, error) {
	op := &backup.RestoreOperation{}
	if err := s.first(ctx, "restore operation", op, "id = ?", id); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Store) ListRestores(ctx context.Context, backupID string) ([]*backup.RestoreOperation, error) {
	query := s.db.WithContext(ctx)
	if backupID != "" {
		query = query.Where("backup_id = ?", backupID)
	}
	result := make([]*backup.RestoreOperation, 0)
	if err := query.Order("started_at DESC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list restore operations", err)
	}
	return result, nil
}

func (s *Store) CreateVerification(ctx context.Context, rec *backup.VerificationRecord) error {
	return s.create(ctx, "verification record", rec)
}

func (s *Store) ListVerifications(ctx context.Context, backupID string) ([]*backup.VerificationRecord, error) {
	query := s.db.WithContext(ctx)
	if backupID != "" {
		query = query.Where("backup_id = ?", backupID)
	}
	result := make([]*backup.VerificationRecord, 0)
	if err := query.Order("started_at DESC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list verification records", err)
	}
	return result, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sched *schedule.Schedule) error {
	return s.create(ctx, "schedule", sched)
}

// SetScheduleState updates the enabled flag and next run of a schedule without
// touching its run counters.
func (s *Store) SetScheduleState(ctx context.Context, id string, enabled bool, nextRunAt, at time.Time) (*schedule.Schedule, error) {
	return s.updateSchedule(ctx, id, map[string]interface{}{
		"enabled":     enabled,
		"next_run_at": nextRunAt.UTC(),
		"updated_at":  at.UTC(),
	})
}

// RecordScheduleRun increments the run counters in the UPDATE statement itself so
// runs recorded by different processes are all counted.
func (s *Store) RecordScheduleRun(ctx context.Context, id string, run schedule.RunRecord) (*schedule.Schedule, error) {
	at := run.At.UTC()
	columns := map[string]interface{}{
		"total_runs":  gorm.Expr("total_runs + 1"),
		"last_run_at": at,
		"next_run_at": run.NextRunAt.UTC(),
		"last_error":  run.Error,
		"updated_at":  at,
	}
	if run.BackupID != "" {
		columns["last_backup_id"] = run.BackupID
	}
	if run.Error != "" {
		columns["failed_runs"] = gorm.Expr("failed_runs + 1")
	} else {
		columns["successful_runs"] = gorm.Expr("successful_runs + 1")
	}
	return s.updateSchedule(ctx, id, columns)
}

func (s *Store) updateSchedule(ctx context.Context, id string, columns map[string]interface{}) (*schedule.Schedule, error) {
	result := s.db.WithContext(ctx).Model(&schedule.Schedule{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return nil, backup.NewPersistenceError("failed to update schedule", result.Error).WithContext("id", id)
	}
	if result.RowsAffected == 0 {
		return nil, backup.NewNotFoundError("schedule not found", nil).WithContext("id", id)
	}
	return s.GetSchedule(ctx, id)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	sched := &schedule.Schedule{}
	if err := s.first(ctx, "schedule", sched, "id = ?", id); err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	result := make([]*schedule.Schedule, 0)
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list schedules", err)
	}
	return result, nil
}

func (s *Store) CreatePlan(ctx context.Context, p *recovery.Plan) error {
	return s.create(ctx, "recovery plan", p)
}

func (s *Store) UpdatePlan(ctx context.Context, p *recovery.Plan) error {
	return s.update(ctx, "recovery plan", p.ID, p)
}

func (s *Store) GetPlan(ctx context.Context, id string) (*recovery.Plan, error) {
	p := &recovery.Plan{}
	if err := s.first(ctx, "recovery plan", p, "id = ?", id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPlanByName(ctx context.Context, name string) (*recovery.Plan, error) {
	p := &recovery.Plan{}
	if err := s.first(ctx, "recovery plan", p, "name = ?", name); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*recovery.Plan, error) {
	result := make([]*recovery.Plan, 0)
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list recovery plans", err)
	}
	return result, nil
}

func (s *Store) CreateIncident(ctx context.Context, inc *recovery.Incident) error {
	return s.create(ctx, "incident", inc)
}

func (s *Store) UpdateIncident(ctx context.Context, inc *recovery.Incident) error {
	return s.update(ctx, "incident", inc.ID, inc)
}

func (s *Store) GetIncident(ctx context.Context, id string) (*recovery.Incident, error) {
	inc := &recovery.Incident{}
	if err := s.first(ctx, "incident", inc, "id = ?", id); err != nil {
		return nil, err
	}
	return inc, nil
}

// ListIncidents returns incidents newest first, optionally only those in status
func (s *Store) ListIncidents(ctx context.Context, status recovery.IncidentStatus) ([]*recovery.Incident, error) {
	query := s.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	result := make([]*recovery.Incident, 0)
	if err := query.Order("declared_at DESC").Find(&result).Error; err != nil {
		return nil, backup.NewPersistenceError("failed to list incidents", err)
	}
	return result, nil
}
