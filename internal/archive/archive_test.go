// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// buildTaskDir monta um diretório de task com artefatos de exemplo.
func buildTaskDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"analysis.log":        "log line one\nlog line two\n",
		"files.json":          `{"path":"shots/0001.jpg","filepath":null,"pids":[]}` + "\n",
		"shots/0001.jpg":      "fake jpeg bytes",
		"logs/1234.bson":      "bson payload",
		"reports/report.json": "{}",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// readTarEntries descomprime e lê todas as entradas regulares do archive.
func readTarEntries(t *testing.T, path, mode string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	var r io.Reader
	switch mode {
	case ModeZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	default:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		defer gz.Close()
		r = gz
	}

	entries := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading tar entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = string(data)
	}
	return entries
}

func TestCreateTaskArchive_RoundTrip(t *testing.T) {
	for _, mode := range []string{ModeGzip, ModeZstd} {
		t.Run(mode, func(t *testing.T) {
			taskDir := buildTaskDir(t)
			dest := filepath.Join(t.TempDir(), "task-archive")

			if err := CreateTaskArchive(taskDir, dest, mode); err != nil {
				t.Fatalf("CreateTaskArchive: %v", err)
			}

			entries := readTarEntries(t, dest, mode)
			want := map[string]string{
				"analysis.log":   "log line one\nlog line two\n",
				"shots/0001.jpg": "fake jpeg bytes",
				"logs/1234.bson": "bson payload",
			}
			for name, content := range want {
				got, ok := entries[name]
				if !ok {
					t.Errorf("entry %s missing from archive", name)
					continue
				}
				if got != content {
					t.Errorf("entry %s = %q, want %q", name, got, content)
				}
			}
		})
	}
}

func TestCreateTaskArchive_NoPartialOnError(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "broken.tar.gz")

	err := CreateTaskArchive(filepath.Join(t.TempDir(), "does-not-exist"), dest, ModeGzip)
	if err == nil {
		t.Fatal("expected error for missing task dir")
	}

	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("partial archive left behind after error")
	}
	if _, statErr := os.Stat(dest + ".tmp"); !os.IsNotExist(statErr) {
		t.Error("tmp archive left behind after error")
	}
}

func TestCreateTaskArchive_UnknownMode(t *testing.T) {
	taskDir := buildTaskDir(t)
	dest := filepath.Join(t.TempDir(), "x.tar")

	if err := CreateTaskArchive(taskDir, dest, "rar"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
