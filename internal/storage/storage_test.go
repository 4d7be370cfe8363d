// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestProvisionTaskDirs(t *testing.T) {
	base := t.TempDir()

	dir, err := ProvisionTaskDirs(base, 7)
	if err != nil {
		t.Fatalf("ProvisionTaskDirs: %v", err)
	}
	if dir != filepath.Join(base, "7") {
		t.Errorf("dir = %q", dir)
	}

	for _, sub := range []string{"files", "shots", "buffer", "extracted", "memory", "package_files", "logs", "reports"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("expected subdir %s: %v", sub, err)
		}
	}

	// Idempotente: diretórios existentes são tolerados
	if _, err := ProvisionTaskDirs(base, 7); err != nil {
		t.Errorf("second provision must succeed: %v", err)
	}
}

func TestOpenExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact.bin")

	f, err := OpenExclusive(path)
	if err != nil {
		t.Fatalf("OpenExclusive: %v", err)
	}
	f.WriteString("first writer")
	f.Close()

	// Segunda abertura perde a corrida de criação
	if _, err := OpenExclusive(path); !IsExist(err) {
		t.Fatalf("expected IsExist error, got: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "first writer" {
		t.Errorf("file = %q, first writer must stay intact", data)
	}
}

func TestAppendJournal_Format(t *testing.T) {
	dir := t.TempDir()

	vmPath := `C:\Users\victim\dropper.exe`
	if err := AppendJournal(dir, JournalEntry{Path: "shots/0001.jpg"}); err != nil {
		t.Fatal(err)
	}
	if err := AppendJournal(dir, JournalEntry{Path: "files/a.bin", Filepath: &vmPath, Pids: []int64{10, 20}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "files.json"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != `{"path":"shots/0001.jpg","filepath":null,"pids":[]}` {
		t.Errorf("line 0 = %q", lines[0])
	}

	var entry struct {
		Path     string  `json:"path"`
		Filepath *string `json:"filepath"`
		Pids     []int64 `json:"pids"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if entry.Filepath == nil || *entry.Filepath != vmPath {
		t.Errorf("filepath = %v", entry.Filepath)
	}
	if len(entry.Pids) != 2 || entry.Pids[0] != 10 {
		t.Errorf("pids = %v", entry.Pids)
	}
}

func TestAppendJournal_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	dir := t.TempDir()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			AppendJournal(dir, JournalEntry{Path: "files/x.bin", Pids: []int64{int64(i)}})
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "files.json"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	for _, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Errorf("interleaved/partial journal line: %q", line)
		}
	}
}

func TestWriteTaskJSON(t *testing.T) {
	dir := t.TempDir()

	meta := TaskMeta{ID: 7, IP: "10.0.0.5", AddedOn: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC), Status: "running"}
	if err := WriteTaskJSON(dir, meta); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "task.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got TaskMeta
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("task.json is not valid JSON: %v", err)
	}
	if got.ID != 7 || got.IP != "10.0.0.5" || got.Status != "running" {
		t.Errorf("got %+v", got)
	}
}

func TestSetLatest(t *testing.T) {
	base := t.TempDir()
	if _, err := ProvisionTaskDirs(base, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := ProvisionTaskDirs(base, 4); err != nil {
		t.Fatal(err)
	}

	if err := SetLatest(base, 3); err != nil {
		t.Fatalf("SetLatest: %v", err)
	}
	if err := SetLatest(base, 4); err != nil {
		t.Fatalf("SetLatest replace: %v", err)
	}

	target, err := os.Readlink(filepath.Join(base, "latest"))
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != "4" {
		t.Errorf("latest → %q, want %q", target, "4")
	}
}
