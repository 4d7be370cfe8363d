// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeUploadPath_Valid(t *testing.T) {
	valid := []string{
		"shots/0001.jpg",
		"files/libcurl-4.dll.bin",
		"buffer/dump",
		"extracted/shellcode.bin",
		"memory/2048.dmp",
		"package_files/stage2.exe",
		"logs/1234.bson",
	}
	for _, path := range valid {
		got, err := SanitizeUploadPath(path)
		if err != nil {
			t.Errorf("expected %q to be accepted, got error: %v", path, err)
			continue
		}
		// Todo path aceito tem o diretório exatamente na whitelist
		dir := got[:strings.LastIndex(got, "/")]
		found := false
		for _, d := range uploadableDirs {
			if dir == d {
				found = true
			}
		}
		if !found {
			t.Errorf("accepted path %q has non-whitelisted dir %q", got, dir)
		}
	}
}

func TestSanitizeUploadPath_Backslashes(t *testing.T) {
	got, err := SanitizeUploadPath(`shots\0001.jpg`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "shots/0001.jpg" {
		t.Errorf("expected normalized path, got %q", got)
	}
}

func TestSanitizeUploadPath_RejectsBannedDirs(t *testing.T) {
	invalid := []string{
		"../etc/passwd",
		"reports/report.json", // reports não é uploadable
		"bare-filename",
		"",
		"/etc/passwd",
		"shots/../../etc/passwd", // dir vira "shots/../.." — não bate na whitelist
		"SHOTS/0001.jpg",         // comparação case-sensitive
		"shots/sub/0001.jpg",     // subdiretório não está na whitelist
		"files/9498687557/libcurl-4.dll.bin",
	}
	for _, path := range invalid {
		if _, err := SanitizeUploadPath(path); !errors.Is(err, ErrBannedPath) {
			t.Errorf("expected %q to be rejected with ErrBannedPath, got: %v", path, err)
		}
	}
}

func TestSanitizeUploadPath_RejectsBannedNameChars(t *testing.T) {
	invalid := []string{
		"shots/evil\x00.jpg",
		"files/stream:ads", // colon habilita NTFS ADS
	}
	for _, path := range invalid {
		if _, err := SanitizeUploadPath(path); !errors.Is(err, ErrBannedPath) {
			t.Errorf("expected %q to be rejected, got: %v", path, err)
		}
	}
}

func TestSanitizeUploadPath_DotsInNameSurvive(t *testing.T) {
	// ".." no nome não escapa porque o diretório é comparado por igualdade.
	got, err := SanitizeUploadPath("files/..")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "files/.." {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeUploadPath_Idempotent(t *testing.T) {
	inputs := []string{"shots/0001.jpg", `buffer\x`, "logs/5.bson"}
	for _, path := range inputs {
		once, err := SanitizeUploadPath(path)
		if err != nil {
			t.Fatalf("first sanitize of %q failed: %v", path, err)
		}
		twice, err := SanitizeUploadPath(once)
		if err != nil {
			t.Fatalf("second sanitize of %q failed: %v", once, err)
		}
		if once != twice {
			t.Errorf("sanitize not idempotent: %q → %q → %q", path, once, twice)
		}
	}
}
