// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package taskstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*SQLStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestCreateAndGet(t *testing.T) {
	s, _ := openTestStore(t)

	task := &Task{ID: 7, IP: "10.0.0.5"}
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IP != "10.0.0.5" {
		t.Errorf("IP = %q, want %q", got.IP, "10.0.0.5")
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.AddedOn.IsZero() {
		t.Error("expected AddedOn to be stamped")
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Get(999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestSetStatus_Transitions(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.Create(&Task{ID: 1, IP: "10.0.0.2"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(1, StatusRunning); err != nil {
		t.Fatalf("SetStatus running: %v", err)
	}
	got, _ := s.Get(1)
	if got.StartedOn == nil {
		t.Error("expected started_on after running transition")
	}
	if got.CompletedOn != nil {
		t.Error("completed_on should still be nil")
	}

	if err := s.SetStatus(1, StatusCompleted); err != nil {
		t.Fatalf("SetStatus completed: %v", err)
	}
	got, _ = s.Get(1)
	if got.CompletedOn == nil {
		t.Error("expected completed_on after completed transition")
	}
}

func TestSetStatus_NotFound(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.SetStatus(42, StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestList_Order(t *testing.T) {
	s, _ := openTestStore(t)

	for id := int64(1); id <= 3; id++ {
		if err := s.Create(&Task{ID: id, IP: "10.0.0.1"}); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != 3 {
		t.Errorf("expected most recent first, got id %d", tasks[0].ID)
	}
}

func TestCompletedBefore(t *testing.T) {
	s, _ := openTestStore(t)

	for id := int64(1); id <= 3; id++ {
		if err := s.Create(&Task{ID: id, IP: "10.0.0.1"}); err != nil {
			t.Fatal(err)
		}
	}
	// Tasks 1 e 2 finalizadas; task 3 ainda rodando.
	s.SetStatus(1, StatusCompleted)
	s.SetStatus(2, StatusFailed)
	s.SetStatus(3, StatusRunning)

	old, err := s.CompletedBefore(time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("CompletedBefore: %v", err)
	}
	if len(old) != 2 {
		t.Fatalf("expected 2 finalized tasks, got %d", len(old))
	}

	none, err := s.CompletedBefore(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no tasks before old cutoff, got %d", len(none))
	}
}

func TestReopen_SurvivesRestart(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.Create(&Task{ID: 11, IP: "10.0.0.9"}); err != nil {
		t.Fatal(err)
	}
	s.SetStatus(11, StatusCompleted)
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(11)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
}
