// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package retention

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/n-sandbox/internal/config"
	"github.com/nishisan-dev/n-sandbox/internal/storage"
	"github.com/nishisan-dev/n-sandbox/internal/taskstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// buildFixture cria baseDir com diretórios de task e um store populado.
func buildFixture(t *testing.T, archiveEnabled bool) (*Sweeper, *taskstore.SQLStore, string) {
	t.Helper()
	baseDir := t.TempDir()

	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Task 1: finalizada (candidata à varredura). Task 2: ainda rodando.
	for _, id := range []int64{1, 2} {
		if _, err := storage.ProvisionTaskDirs(baseDir, id); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(storage.TaskDir(baseDir, id), "analysis.log"), []byte("log\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := store.Create(&taskstore.Task{ID: id, IP: "10.0.0.1"}); err != nil {
			t.Fatal(err)
		}
	}
	store.SetStatus(1, taskstore.StatusCompleted)
	store.SetStatus(2, taskstore.StatusRunning)

	cfg := &config.ResultServerConfig{
		Storage: config.StorageInfo{BaseDir: baseDir, ArchiveMode: "gzip"},
		Retention: config.RetentionInfo{
			Enabled:    true,
			KeepDays:   0, // cutoff = agora: tasks finalizadas qualificam imediatamente
			Archive:    archiveEnabled,
			ArchiveDir: filepath.Join(baseDir, "archive"),
		},
	}

	return NewSweeper(cfg, store, testLogger()), store, baseDir
}

func TestSweep_RemovesExpiredOnly(t *testing.T) {
	sweeper, _, baseDir := buildFixture(t, false)

	swept, err := sweeper.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 task swept, got %d", swept)
	}

	if _, err := os.Stat(storage.TaskDir(baseDir, 1)); !os.IsNotExist(err) {
		t.Error("expected task 1 dir removed")
	}
	if _, err := os.Stat(storage.TaskDir(baseDir, 2)); err != nil {
		t.Error("task 2 (running) should be untouched")
	}
}

func TestSweep_ArchivesBeforeRemoval(t *testing.T) {
	sweeper, _, baseDir := buildFixture(t, true)

	swept, err := sweeper.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 task swept, got %d", swept)
	}

	archivePath := filepath.Join(baseDir, "archive", "1.tar.gz")
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("expected archive at %s: %v", archivePath, err)
	}
	if _, err := os.Stat(storage.TaskDir(baseDir, 1)); !os.IsNotExist(err) {
		t.Error("expected task 1 dir removed after archiving")
	}
}

func TestSweep_Idempotent(t *testing.T) {
	sweeper, _, _ := buildFixture(t, false)

	if _, err := sweeper.Sweep(); err != nil {
		t.Fatal(err)
	}
	// Segunda varredura: diretório já removido, nada a fazer.
	swept, err := sweeper.Sweep()
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("expected 0 tasks swept on second pass, got %d", swept)
	}
}

func TestStart_BadSchedule(t *testing.T) {
	sweeper, _, _ := buildFixture(t, false)
	sweeper.cfg.Schedule = "not-a-cron"

	if err := sweeper.Start(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
