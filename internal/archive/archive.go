// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive exporta diretórios de task como tarballs comprimidos para
// retenção fria. gzip usa pgzip (compressão paralela); zst usa
// klauspost/compress.
package archive

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compressão suportados.
const (
	ModeGzip = "gzip"
	ModeZstd = "zst"
)

// CreateTaskArchive empacota o diretório da task em destPath usando o modo de
// compressão configurado. O arquivo é gravado em .tmp e renomeado no final
// para nunca deixar um archive parcial com o nome definitivo.
func CreateTaskArchive(taskDir, destPath, mode string) error {
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	if err := writeArchive(taskDir, f, mode); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing archive file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming archive: %w", err)
	}
	return nil
}

// writeArchive monta o pipeline tar → compressor → buffer → dest.
func writeArchive(taskDir string, dest io.Writer, mode string) error {
	bufDest := bufio.NewWriterSize(dest, 256*1024)

	var compressor io.WriteCloser
	switch mode {
	case ModeZstd:
		zw, err := zstd.NewWriter(bufDest)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		compressor = zw
	case ModeGzip, "":
		gz, err := pgzip.NewWriterLevel(bufDest, pgzip.BestSpeed)
		if err != nil {
			return fmt.Errorf("creating gzip writer: %w", err)
		}
		compressor = gz
	default:
		return fmt.Errorf("unknown archive mode %q", mode)
	}

	tw := tar.NewWriter(compressor)

	walkErr := filepath.WalkDir(taskDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(taskDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return addToTar(tw, path, rel, d)
	})
	if walkErr != nil {
		tw.Close()
		compressor.Close()
		return fmt.Errorf("archiving task dir: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	return bufDest.Flush()
}

// addToTar grava uma entrada (diretório, symlink ou arquivo regular) no tar.
func addToTar(tw *tar.Writer, path, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("building tar header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", rel, err)
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copying %s into archive: %w", rel, err)
	}
	return nil
}
