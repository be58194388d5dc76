// Package reliability holds the background jobs that keep a long-running
// deployment healthy: data retention, database compaction, and off-site
// backups of the embedded database.
package reliability

import (
	"context"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/database"
	"github.com/manavaga/web3-signals/internal/storage"
)

const (
	// Free space below this is logged as critical.
	lowDiskBytes = 512 * 1024 * 1024

	dailySchedule  = "0 3 * * *"
	weeklySchedule = "30 4 * * 0"
	backupSchedule = "0 2 * * *"
)

// RetentionConfig controls how long stored data is kept.
type RetentionConfig struct {
	StreamDays     int // agent run history
	APIRequestDays int // usage log
	BackupDays     int // off-site archives, 0 keeps forever
}

// DefaultRetention returns the retention windows used in production.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		StreamDays:     30,
		APIRequestDays: 90,
		BackupDays:     30,
	}
}

// Maintenance schedules the recurring upkeep jobs. The database handle and
// backup service are optional; jobs that need them are skipped when absent
// (the Postgres backend handles its own compaction and backups).
type Maintenance struct {
	store     storage.Store
	db        *database.DB
	backup    *BackupService
	retention RetentionConfig
	dataDir   string
	log       zerolog.Logger

	cron *cron.Cron
}

func NewMaintenance(store storage.Store, db *database.DB, backup *BackupService, retention RetentionConfig, dataDir string, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		store:     store,
		db:        db,
		backup:    backup,
		retention: retention,
		dataDir:   dataDir,
		log:       log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the cron schedule and begins running jobs.
func (m *Maintenance) Start() error {
	m.cron = cron.New()

	if _, err := m.cron.AddFunc(dailySchedule, func() { m.RunDaily(context.Background()) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(weeklySchedule, func() { m.RunWeekly(context.Background()) }); err != nil {
		return err
	}
	if m.backup != nil {
		if _, err := m.cron.AddFunc(backupSchedule, func() { m.RunBackup(context.Background()) }); err != nil {
			return err
		}
	}

	m.cron.Start()
	m.log.Info().Bool("backup", m.backup != nil).Msg("Maintenance jobs scheduled")
	return nil
}

// Stop halts the scheduler and waits for any running job to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// RunDaily prunes old rows, checkpoints the WAL, and checks free disk space.
func (m *Maintenance) RunDaily(ctx context.Context) {
	start := time.Now()

	pruned, err := m.store.PruneStreams(ctx, m.retention.StreamDays)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to prune streams")
	}
	prunedReqs, err := m.store.PruneAPIRequests(ctx, m.retention.APIRequestDays)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to prune api requests")
	}

	if m.db != nil {
		if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Error().Err(err).Msg("WAL checkpoint failed")
		}
	}

	m.checkDiskSpace()

	m.log.Info().
		Int64("pruned_rows", pruned).
		Int64("pruned_requests", prunedReqs).
		Dur("duration_ms", time.Since(start)).
		Msg("Daily maintenance complete")
}

// RunWeekly vacuums the embedded database to reclaim space.
func (m *Maintenance) RunWeekly(ctx context.Context) {
	if m.db == nil {
		return
	}
	start := time.Now()

	var before int64
	if stats, err := m.db.GetStats(); err == nil {
		before = stats.SizeBytes
	}

	if err := m.db.Vacuum(); err != nil {
		m.log.Error().Err(err).Msg("Vacuum failed")
		return
	}

	var after int64
	if stats, err := m.db.GetStats(); err == nil {
		after = stats.SizeBytes
	}

	m.log.Info().
		Int64("size_before", before).
		Int64("size_after", after).
		Dur("duration_ms", time.Since(start)).
		Msg("Weekly vacuum complete")
}

// RunBackup archives the database off-site and rotates old archives.
func (m *Maintenance) RunBackup(ctx context.Context) {
	if m.backup == nil {
		return
	}

	if m.db != nil {
		// Flush the WAL so the copied file is complete on its own.
		if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Error().Err(err).Msg("Pre-backup WAL checkpoint failed")
		}
	}

	if err := m.backup.CreateAndUpload(ctx); err != nil {
		m.log.Error().Err(err).Msg("Backup failed")
		return
	}
	if err := m.backup.RotateOldBackups(ctx, m.retention.BackupDays); err != nil {
		m.log.Error().Err(err).Msg("Backup rotation failed")
	}
}

func (m *Maintenance) checkDiskSpace() {
	if m.dataDir == "" {
		return
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		m.log.Warn().Err(err).Msg("Failed to stat filesystem")
		return
	}

	free := stat.Bavail * uint64(stat.Bsize)
	if free < lowDiskBytes {
		m.log.Error().
			Uint64("free_bytes", free).
			Str("data_dir", m.dataDir).
			Msg("Disk space critically low")
		return
	}
	m.log.Debug().Uint64("free_bytes", free).Msg("Disk space ok")
}
