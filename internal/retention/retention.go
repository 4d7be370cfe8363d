// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package retention remove diretórios de tasks finalizadas há mais de
// keep_days, opcionalmente exportando um archive antes. A varredura roda em
// um cron job independente do caminho de coleta.
package retention

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-sandbox/internal/archive"
	"github.com/nishisan-dev/n-sandbox/internal/config"
	"github.com/nishisan-dev/n-sandbox/internal/storage"
	"github.com/nishisan-dev/n-sandbox/internal/taskstore"
)

// Sweeper executa a varredura de retenção agendada.
type Sweeper struct {
	cfg     config.RetentionInfo
	baseDir string
	mode    string // compressão dos archives (gzip|zst)
	ext     string
	store   taskstore.Store
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewSweeper cria um Sweeper a partir da configuração do servidor.
func NewSweeper(cfg *config.ResultServerConfig, store taskstore.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg.Retention,
		baseDir: cfg.Storage.BaseDir,
		mode:    cfg.Storage.ArchiveMode,
		ext:     cfg.Storage.ArchiveExtension(),
		store:   store,
		logger:  logger.With("component", "retention"),
	}
}

// Start registra o cron job e inicia o scheduler.
func (s *Sweeper) Start() error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("adding retention cron job %q: %w", s.cfg.Schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("retention sweep scheduled",
		"schedule", s.cfg.Schedule,
		"keep_days", s.cfg.KeepDays,
		"archive", s.cfg.Archive,
	)
	return nil
}

// Stop para o scheduler e espera um job em andamento terminar.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep varre as tasks finalizadas antes do cutoff e remove (ou arquiva e
// remove) seus diretórios. Retorna quantas tasks foram varridas.
func (s *Sweeper) Sweep() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.KeepDays)
	tasks, err := s.store.CompletedBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing expired tasks: %w", err)
	}

	swept := 0
	for _, t := range tasks {
		taskDir := storage.TaskDir(s.baseDir, t.ID)
		if _, err := os.Stat(taskDir); os.IsNotExist(err) {
			continue // já removido
		}

		if s.cfg.Archive {
			if err := os.MkdirAll(s.cfg.ArchiveDir, 0755); err != nil {
				return swept, fmt.Errorf("creating archive dir: %w", err)
			}
			dest := filepath.Join(s.cfg.ArchiveDir, strconv.FormatInt(t.ID, 10)+s.ext)
			if err := archive.CreateTaskArchive(taskDir, dest, s.mode); err != nil {
				s.logger.Error("archiving task before removal", "task", t.ID, "error", err)
				continue // não remove sem archive
			}
			s.logger.Info("task archived", "task", t.ID, "archive", dest)
		}

		if err := os.RemoveAll(taskDir); err != nil {
			s.logger.Error("removing task dir", "task", t.ID, "error", err)
			continue
		}
		s.logger.Info("task dir removed by retention", "task", t.ID, "completed_on", t.CompletedOn)
		swept++
	}
	return swept, nil
}
