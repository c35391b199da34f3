// Package gorm provides the GORM-based state database for skill-mill.
package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: State tables (ChangeRecord, ClusterState, RunRecord, PhaseCheckpoint)
		{
			ID: "001_state_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&ChangeRecord{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&ClusterState{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&RunRecord{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&PhaseCheckpoint{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"change_records", "cluster_states", "run_records", "phase_checkpoints")
			},
		},

		// Migration 002: Extraction summaries table
		{
			ID: "002_extraction_summaries",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ExtractionSummary{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("extraction_summaries")
			},
		},

		// Migration 003: FTS5 virtual table for extraction summaries.
		// SQLite only; the Postgres backend searches with LIKE instead.
		{
			ID: "003_extraction_summaries_fts",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "sqlite" {
					return nil
				}
				sqls := []string{
					`CREATE VIRTUAL TABLE IF NOT EXISTS extraction_summaries_fts USING fts5(
						doc_id, trigger_summary, tags, issue_text,
						content='extraction_summaries',
						content_rowid='id'
					)`,
					`CREATE TRIGGER IF NOT EXISTS extraction_summaries_ai AFTER INSERT ON extraction_summaries BEGIN
						INSERT INTO extraction_summaries_fts(rowid, doc_id, trigger_summary, tags, issue_text)
						VALUES (new.id, new.doc_id, new.trigger_summary, new.tags, new.issue_text);
					END`,
					`CREATE TRIGGER IF NOT EXISTS extraction_summaries_ad AFTER DELETE ON extraction_summaries BEGIN
						INSERT INTO extraction_summaries_fts(extraction_summaries_fts, rowid, doc_id, trigger_summary, tags, issue_text)
						VALUES('delete', old.id, old.doc_id, old.trigger_summary, old.tags, old.issue_text);
					END`,
					`CREATE TRIGGER IF NOT EXISTS extraction_summaries_au AFTER UPDATE ON extraction_summaries BEGIN
						INSERT INTO extraction_summaries_fts(extraction_summaries_fts, rowid, doc_id, trigger_summary, tags, issue_text)
						VALUES('delete', old.id, old.doc_id, old.trigger_summary, old.tags, old.issue_text);
						INSERT INTO extraction_summaries_fts(rowid, doc_id, trigger_summary, tags, issue_text)
						VALUES (new.id, new.doc_id, new.trigger_summary, new.tags, new.issue_text);
					END`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "sqlite" {
					return nil
				}
				sqls := []string{
					"DROP TRIGGER IF EXISTS extraction_summaries_au",
					"DROP TRIGGER IF EXISTS extraction_summaries_ad",
					"DROP TRIGGER IF EXISTS extraction_summaries_ai",
					"DROP TABLE IF EXISTS extraction_summaries_fts",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
