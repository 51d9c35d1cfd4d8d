package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	snapshotFile = "derma.db"
	manifestFile = "manifest.yaml"

	// keepAutoCheckpoints bounds how many automatic snapshots survive pruning.
	keepAutoCheckpoints = 5
)

var (
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointCorrupted = errors.New("checkpoint integrity check failed")
	ErrCheckpointExists    = errors.New("checkpoint already exists")
	ErrInvalidCheckpoint   = errors.New("invalid checkpoint name")
)

var checkpointName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// countedTables are the record tables summarized in every manifest.
var countedTables = []string{"images", "analyses", "feedback", "training_runs"}

// CheckpointManager keeps point-in-time copies of the record database under
// <db dir>/checkpoints/<name>/, each with a YAML manifest.
type CheckpointManager struct {
	db     *sql.DB
	dbPath string
	root   string
}

// CheckpointInfo summarizes one checkpoint.
type CheckpointInfo struct {
	ID            string
	CreatedAt     time.Time
	Description   string
	FileSize      int64
	Images        int
	Analyses      int
	Feedback      int
	TrainingRuns  int
	SchemaVersion int
	IsAuto        bool
}

type manifest struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at"`
	SchemaVersion int            `yaml:"schema_version"`
	Auto          bool           `yaml:"auto"`
	Size          int64          `yaml:"size"`
	Rows          map[string]int `yaml:"rows"`
}

func (m manifest) info() CheckpointInfo {
	return CheckpointInfo{
		ID:            m.Name,
		CreatedAt:     m.CreatedAt,
		Description:   m.Description,
		FileSize:      m.Size,
		Images:        m.Rows["images"],
		Analyses:      m.Rows["analyses"],
		Feedback:      m.Rows["feedback"],
		TrainingRuns:  m.Rows["training_runs"],
		SchemaVersion: m.SchemaVersion,
		IsAuto:        m.Auto,
	}
}

// NewCheckpointManager returns a manager for the database at dbPath.
func NewCheckpointManager(db *sql.DB, dbPath string) (*CheckpointManager, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	root := filepath.Join(filepath.Dir(abs), "checkpoints")
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	return &CheckpointManager{db: db, dbPath: abs, root: root}, nil
}

// Create snapshots the database under name. An empty name is generated from
// the current time.
func (cm *CheckpointManager) Create(ctx context.Context, name, description string) (*CheckpointInfo, error) {
	if name == "" {
		name = "checkpoint-" + time.Now().Format("2006-01-02-150405")
	}
	return cm.create(ctx, name, description, false)
}

// AutoCheckpoint snapshots the database ahead of the named operation and
// prunes automatic checkpoints beyond the newest few.
func (cm *CheckpointManager) AutoCheckpoint(ctx context.Context, operation string) error {
	name := fmt.Sprintf("auto-%s-%s", operation, time.Now().Format("2006-01-02-150405"))
	if _, err := cm.create(ctx, name, "Automatic checkpoint before "+operation, true); err != nil {
		return fmt.Errorf("failed to create auto-checkpoint: %w", err)
	}

	if err := cm.pruneAuto(ctx); err != nil {
		slog.Warn("failed to prune auto-checkpoints", "error", err)
	}
	return nil
}

func (cm *CheckpointManager) create(ctx context.Context, name, description string, auto bool) (*CheckpointInfo, error) {
	dir, err := cm.dir(name)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointExists, name)
	}

	m := manifest{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Auto:        auto,
		Rows:        make(map[string]int, len(countedTables)),
	}
	if err := cm.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&m.SchemaVersion); err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	for _, table := range countedTables {
		var n int
		// #nosec G202 - table names come from countedTables
		if err := cm.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			slog.Debug("skipping row count", "table", table, "error", err)
		}
		m.Rows[table] = n
	}

	if err := os.Mkdir(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	snapshot := filepath.Join(dir, snapshotFile)
	if _, err := cm.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	stat, err := os.Stat(snapshot)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	m.Size = stat.Size()

	if err := writeManifest(dir, m); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := cm.record(ctx, m); err != nil {
		slog.Warn("failed to record checkpoint in database", "checkpoint", name, "error", err)
	}

	info := m.info()
	return &info, nil
}

// List returns every readable checkpoint, newest first.
func (cm *CheckpointManager) List(_ context.Context) ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(cm.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}

	var out []CheckpointInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(cm.root, entry.Name()))
		if err != nil {
			slog.Debug("skipping unreadable checkpoint", "name", entry.Name(), "error", err)
			continue
		}
		out = append(out, m.info())
	}

	slices.SortFunc(out, func(a, b CheckpointInfo) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// GetCheckpointInfo returns the manifest summary of one checkpoint.
func (cm *CheckpointManager) GetCheckpointInfo(_ context.Context, name string) (*CheckpointInfo, error) {
	dir, err := cm.existing(name)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	info := m.info()
	return &info, nil
}

// Restore replaces the live database with the named snapshot. It closes the
// manager's connection; callers reopen storage afterwards.
func (cm *CheckpointManager) Restore(ctx context.Context, name string) error {
	dir, err := cm.existing(name)
	if err != nil {
		return err
	}
	snapshot := filepath.Join(dir, snapshotFile)
	if err := checkIntegrity(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointCorrupted, err)
	}

	if err := cm.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	// Stale journal files would be replayed over the restored copy.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(cm.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s file: %w", suffix, err)
		}
	}

	if err := replaceFile(snapshot, cm.dbPath); err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	return nil
}

// Delete removes a checkpoint and its database record.
func (cm *CheckpointManager) Delete(ctx context.Context, name string) error {
	dir, err := cm.existing(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	if _, err := cm.db.ExecContext(ctx, "DELETE FROM checkpoint_metadata WHERE id = ?", name); err != nil {
		slog.Debug("failed to remove checkpoint record", "checkpoint", name, "error", err)
	}
	return nil
}

func (cm *CheckpointManager) pruneAuto(ctx context.Context) error {
	all, err := cm.List(ctx)
	if err != nil {
		return err
	}
	kept := 0
	var errs []error
	for _, cp := range all {
		if !cp.IsAuto {
			continue
		}
		kept++
		if kept <= keepAutoCheckpoints {
			continue
		}
		if err := cm.Delete(ctx, cp.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (cm *CheckpointManager) dir(name string) (string, error) {
	if !checkpointName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCheckpoint, name)
	}
	return filepath.Join(cm.root, name), nil
}

func (cm *CheckpointManager) existing(name string) (string, error) {
	dir, err := cm.dir(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotFile)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
		}
		return "", fmt.Errorf("failed to access checkpoint: %w", err)
	}
	return dir, nil
}

func (cm *CheckpointManager) record(ctx context.Context, m manifest) error {
	rows, err := yaml.Marshal(m.Rows)
	if err != nil {
		return err
	}
	_, err = cm.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoint_metadata
			(id, created_at, description, file_size, row_counts, schema_version, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.Name, m.CreatedAt, m.Description, m.Size, string(rows), m.SchemaVersion, m.Auto)
	return err
}

func writeManifest(dir string, m manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (manifest, error) {
	var m manifest
	// #nosec G304 - dir is a validated checkpoint directory
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return errors.New(result)
	}
	return nil
}

// replaceFile copies src next to dst and renames it into place.
func replaceFile(src, dst string) error {
	// #nosec G304 - src is a validated snapshot path
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
