package metadatastore

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, expID, runID string) {
	t.Helper()
	run := &models.Run{Info: models.RunInfo{
		RunID:        runID,
		ExperimentID: expID,
		Status:       models.RunStatusRunning,
		StartTime:    1000,
	}}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
}

func TestExperimentCreateAndGet(t *testing.T) {
	store := setupTestStore(t)

	exp := &models.Experiment{ExperimentID: "e1", Name: "label-noise", CreationTime: 10}
	if err := store.CreateExperiment(exp); err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}

	got, err := store.GetExperimentByName("label-noise")
	if err != nil {
		t.Fatalf("Failed to get experiment: %v", err)
	}
	if got.ExperimentID != "e1" {
		t.Errorf("Expected id e1, got %s", got.ExperimentID)
	}

	if _, err := store.GetExperiment("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	dup := &models.Experiment{ExperimentID: "e2", Name: "label-noise"}
	if err := store.CreateExperiment(dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	list, err := store.ListExperiments()
	if err != nil {
		t.Fatalf("Failed to list experiments: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 experiment, got %d", len(list))
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	if err := store.CreateExperiment(&models.Experiment{ExperimentID: "e1", Name: "exp"}); err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}
	createTestRun(t, store, "e1", "r1")

	err := store.LogBatch("r1",
		[]models.Metric{{Key: "accuracy", Value: 0.9, Timestamp: 1}},
		[]models.Param{{Key: "label_noise", Value: "0.1"}},
		[]models.RunTag{{Key: "variant", Value: "noisy"}})
	if err != nil {
		t.Fatalf("Failed to log batch: %v", err)
	}
	// Same param value again is fine, tags are overwritten
	err = store.LogBatch("r1",
		[]models.Metric{{Key: "accuracy", Value: 0.95, Timestamp: 2, Step: 1}},
		[]models.Param{{Key: "label_noise", Value: "0.1"}},
		[]models.RunTag{{Key: "variant", Value: "clean"}})
	if err != nil {
		t.Fatalf("Failed to log second batch: %v", err)
	}

	run, err := store.GetRun("r1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if v, _ := run.Metric("accuracy"); v != 0.95 {
		t.Errorf("Expected latest accuracy 0.95, got %v", v)
	}
	if len(run.Data.Metrics) != 2 {
		t.Errorf("Expected 2 metric points, got %d", len(run.Data.Metrics))
	}
	if diff := cmp.Diff([]models.RunTag{{Key: "variant", Value: "clean"}}, run.Data.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]models.Param{{Key: "label_noise", Value: "0.1"}}, run.Data.Params); diff != "" {
		t.Errorf("Params mismatch (-want +got):\n%s", diff)
	}

	err = store.LogBatch("r1", nil, []models.Param{{Key: "label_noise", Value: "0.2"}}, nil)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid when changing a param, got %v", err)
	}

	info, err := store.UpdateRun("r1", models.RunStatusFinished, 2000, "")
	if err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}
	if info.Status != models.RunStatusFinished || info.EndTime != 2000 {
		t.Errorf("Unexpected run info after update: %+v", info)
	}

	running, err := store.ListRunsByStatus(models.RunStatusRunning)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(running) != 0 {
		t.Errorf("Expected no running runs, got %d", len(running))
	}

	if _, err := store.UpdateRun("missing", models.RunStatusFinished, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateRun("r1", "DONE", 0, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestCreateRunUnknownExperiment(t *testing.T) {
	store := setupTestStore(t)
	run := &models.Run{Info: models.RunInfo{RunID: "r1", ExperimentID: "nope", Status: models.RunStatusRunning}}
	if err := store.CreateRun(run); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestModelVersionsAreNumberedPerModel(t *testing.T) {
	store := setupTestStore(t)

	for _, name := range []string{"a", "b"} {
		if err := store.CreateRegisteredModel(&models.RegisteredModel{Name: name}); err != nil {
			t.Fatalf("Failed to create registered model: %v", err)
		}
	}
	if err := store.CreateRegisteredModel(&models.RegisteredModel{Name: "a"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.CreateModelVersion(&models.ModelVersion{Name: "a", Source: "s"}); err != nil {
			t.Fatalf("Failed to create version: %v", err)
		}
	}
	v, err := store.CreateModelVersion(&models.ModelVersion{Name: "b", Source: "s"})
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	if v.Version != "1" {
		t.Errorf("Expected first version of b to be 1, got %s", v.Version)
	}

	rm, err := store.GetRegisteredModel("a")
	if err != nil {
		t.Fatalf("Failed to get registered model: %v", err)
	}
	if len(rm.LatestVersions) != 1 || rm.LatestVersions[0].Version != "3" {
		t.Errorf("Expected latest version 3, got %+v", rm.LatestVersions)
	}

	if _, err := store.CreateModelVersion(&models.ModelVersion{Name: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetModelVersion("a", "9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetModelVersion("a", "x"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestConcurrentModelVersions(t *testing.T) {
	store := setupTestStore(t)
	if err := store.CreateRegisteredModel(&models.RegisteredModel{Name: "m"}); err != nil {
		t.Fatalf("Failed to create registered model: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateModelVersion(&models.ModelVersion{Name: "m"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent create failed: %v", err)
	}

	versions, err := store.ListModelVersions("m")
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	var got, want []string
	for i, v := range versions {
		got = append(got, v.Version)
		want = append(want, strconv.Itoa(len(versions)-i))
	}
	if len(versions) != 10 {
		t.Errorf("Expected 10 versions, got %d", len(versions))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Versions not numbered 10..1 (-want +got):\n%s", diff)
	}
}
