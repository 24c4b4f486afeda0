package metadatastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// SQLiteStore provides SQLite-based persistence for experiments, runs and registered models
type SQLiteStore struct {
	db *sql.DB
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-based storage instance
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Writers take the lock up front so read-modify-write transactions never
	// fail on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For SQLite, we want this relatively low since writes are serialized anyway
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}

	// In-memory databases will use "delete" or "memory" mode, which is acceptable for testing
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		db.Close()
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries a database operation if it fails due to SQLITE_BUSY
func (s *SQLiteStore) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			// Exponential backoff: 10ms, 20ms, 40ms, 80ms, 160ms
			backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
			time.Sleep(backoff)
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		data TEXT NOT NULL,
		FOREIGN KEY (experiment_id) REFERENCES experiments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_experiment_id ON runs(experiment_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS registered_models (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_versions (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		run_id TEXT,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (name, version),
		FOREIGN KEY (name) REFERENCES registered_models(name)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateExperiment inserts a new experiment; the name must be unused
func (s *SQLiteStore) CreateExperiment(exp *models.Experiment) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	query := `INSERT INTO experiments (id, name, created_at, data) VALUES (?, ?, ?, ?)`
	_, err = s.db.Exec(query, exp.ExperimentID, exp.Name, exp.CreationTime, string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("experiment %q: %w", exp.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *SQLiteStore) GetExperiment(id string) (*models.Experiment, error) {
	return s.getExperiment(`SELECT data FROM experiments WHERE id = ?`, id)
}

// GetExperimentByName retrieves an experiment by name
func (s *SQLiteStore) GetExperimentByName(name string) (*models.Experiment, error) {
	return s.getExperiment(`SELECT data FROM experiments WHERE name = ?`, name)
}

func (s *SQLiteStore) getExperiment(query, arg string) (*models.Experiment, error) {
	var data string
	err := s.db.QueryRow(query, arg).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("experiment %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	var exp models.Experiment
	if err := json.Unmarshal([]byte(data), &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &exp, nil
}

// ListExperiments lists all experiments, oldest first
func (s *SQLiteStore) ListExperiments() ([]*models.Experiment, error) {
	rows, err := s.db.Query(`SELECT data FROM experiments ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	experiments := make([]*models.Experiment, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}

		var exp models.Experiment
		if err := json.Unmarshal([]byte(data), &exp); err != nil {
			continue
		}
		experiments = append(experiments, &exp)
	}
	return experiments, rows.Err()
}

// CreateRun inserts a new run
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	if _, err := s.GetExperiment(run.Info.ExperimentID); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	query := `INSERT INTO runs (id, experiment_id, status, start_time, data) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, run.Info.RunID, run.Info.ExperimentID, string(run.Info.Status), run.Info.StartTime, string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("run %q: %w", run.Info.RunID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	return getRun(s.db, id)
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getRun(q queryRower, id string) (*models.Run, error) {
	var data string
	err := q.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run models.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRunsByExperiment lists the runs of an experiment, newest first
func (s *SQLiteStore) ListRunsByExperiment(experimentID string) ([]*models.Run, error) {
	return s.listRuns(`SELECT data FROM runs WHERE experiment_id = ? ORDER BY start_time DESC, id ASC`, experimentID)
}

// ListRunsByStatus lists the runs currently in a status
func (s *SQLiteStore) ListRunsByStatus(status models.RunStatus) ([]*models.Run, error) {
	return s.listRuns(`SELECT data FROM runs WHERE status = ? ORDER BY start_time ASC, id ASC`, string(status))
}

func (s *SQLiteStore) listRuns(query string, arg string) ([]*models.Run, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}

		var run models.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// updateRun applies fn to a run inside a transaction
func (s *SQLiteStore) updateRun(runID string, fn func(run *models.Run) error) (*models.Run, error) {
	var updated *models.Run
	err := s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err := getRun(tx, runID)
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		if _, err := tx.Exec(`UPDATE runs SET status = ?, data = ? WHERE id = ?`, string(run.Info.Status), string(data), runID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		updated = run
		return nil
	}, 5)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return updated, nil
}

// LogBatch appends metrics and sets params and tags on a run.
// Params are write-once: logging a different value for an existing key fails.
func (s *SQLiteStore) LogBatch(runID string, metrics []models.Metric, params []models.Param, tags []models.RunTag) error {
	_, err := s.updateRun(runID, func(run *models.Run) error {
		if run.Info.LifecycleStage == "deleted" {
			return fmt.Errorf("run %q is deleted: %w", runID, ErrInvalid)
		}
		for _, p := range params {
			if existing, ok := run.Param(p.Key); ok {
				if existing != p.Value {
					return fmt.Errorf("param %q already logged with value %q: %w", p.Key, existing, ErrInvalid)
				}
				continue
			}
			run.Data.Params = append(run.Data.Params, p)
		}
		run.Data.Metrics = append(run.Data.Metrics, metrics...)
		for _, t := range tags {
			replaced := false
			for i := range run.Data.Tags {
				if run.Data.Tags[i].Key == t.Key {
					run.Data.Tags[i].Value = t.Value
					replaced = true
					break
				}
			}
			if !replaced {
				run.Data.Tags = append(run.Data.Tags, t)
			}
		}
		return nil
	})
	return err
}

// UpdateRun sets the status and optionally the end time and name of a run
func (s *SQLiteStore) UpdateRun(runID string, status models.RunStatus, endTime int64, runName string) (*models.RunInfo, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("run status %q: %w", status, ErrInvalid)
	}
	run, err := s.updateRun(runID, func(run *models.Run) error {
		run.Info.Status = status
		if endTime > 0 {
			run.Info.EndTime = endTime
		}
		if runName != "" {
			run.Info.RunName = runName
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run.Info, nil
}

// CreateRegisteredModel inserts a registered model; the name must be unused
func (s *SQLiteStore) CreateRegisteredModel(model *models.RegisteredModel) error {
	stored := *model
	stored.LatestVersions = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal registered model: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO registered_models (name, created_at, data) VALUES (?, ?, ?)`,
		model.Name, model.CreationTimestamp, string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("registered model %q: %w", model.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save registered model: %w", err)
	}
	return nil
}

// GetRegisteredModel retrieves a registered model with its latest version filled in
func (s *SQLiteStore) GetRegisteredModel(name string) (*models.RegisteredModel, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM registered_models WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("registered model %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registered model: %w", err)
	}

	var model models.RegisteredModel
	if err := json.Unmarshal([]byte(data), &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registered model: %w", err)
	}

	versions, err := s.ListModelVersions(name)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		model.LatestVersions = []models.ModelVersion{*versions[0]}
	}
	return &model, nil
}

// CreateModelVersion stores a new version of a registered model, numbering it
// one above the current highest version
func (s *SQLiteStore) CreateModelVersion(version *models.ModelVersion) (*models.ModelVersion, error) {
	var created models.ModelVersion
	err := s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM registered_models WHERE name = ?`, version.Name).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("registered model %q: %w", version.Name, ErrNotFound)
		}

		var next int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE name = ?`, version.Name).Scan(&next); err != nil {
			return err
		}

		created = *version
		created.Version = strconv.FormatInt(next, 10)
		if created.Status == "" {
			created.Status = "READY"
		}
		if created.CurrentStage == "" {
			created.CurrentStage = "None"
		}

		data, err := json.Marshal(&created)
		if err != nil {
			return fmt.Errorf("failed to marshal model version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO model_versions (name, version, run_id, created_at, data) VALUES (?, ?, ?, ?, ?)`,
			created.Name, next, created.RunID, created.CreationTimestamp, string(data)); err != nil {
			return err
		}
		return tx.Commit()
	}, 5)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create model version: %w", err)
	}
	return &created, nil
}

// GetModelVersion retrieves one version of a registered model
func (s *SQLiteStore) GetModelVersion(name, version string) (*models.ModelVersion, error) {
	n, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("model version %q: %w", version, ErrInvalid)
	}

	var data string
	err = s.db.QueryRow(`SELECT data FROM model_versions WHERE name = ? AND version = ?`, name, n).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model %q version %s: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model version: %w", err)
	}

	var mv models.ModelVersion
	if err := json.Unmarshal([]byte(data), &mv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model version: %w", err)
	}
	return &mv, nil
}

// ListModelVersions lists the versions of a registered model, highest first
func (s *SQLiteStore) ListModelVersions(name string) ([]*models.ModelVersion, error) {
	rows, err := s.db.Query(`SELECT data FROM model_versions WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()

	versions := make([]*models.ModelVersion, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}

		var mv models.ModelVersion
		if err := json.Unmarshal([]byte(data), &mv); err != nil {
			continue
		}
		versions = append(versions, &mv)
	}
	return versions, rows.Err()
}
