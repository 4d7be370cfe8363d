// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitor vigia a saúde do host do result server, em particular o
// volume que recebe os resultados de análise: uploads de dumps de memória
// enchem disco rápido, e o orquestrador precisa saber antes de agendar a
// próxima análise.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// defaultInterval é o período de amostragem.
const defaultInterval = 15 * time.Second

// defaultLowWater é o piso de espaço livre no volume de resultados abaixo do
// qual o monitor entra em alarme (1 GiB).
const defaultLowWater = 1 << 30

// StorageStats descreve o volume que armazena os resultados.
type StorageStats struct {
	UsedPercent float64
	FreeBytes   uint64
	TotalBytes  uint64
}

// SystemStats é o snapshot exposto ao stats reporter e ao health endpoint.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
	Storage       StorageStats
}

// SystemMonitor amostra o host periodicamente e mantém o estado de alarme de
// disco do volume de resultados.
type SystemMonitor struct {
	logger     *slog.Logger
	storageDir string
	interval   time.Duration
	lowWater   uint64

	close chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stats   SystemStats
	lowDisk bool
}

// NewSystemMonitor cria um monitor para o volume que contém storageDir.
func NewSystemMonitor(logger *slog.Logger, storageDir string) *SystemMonitor {
	if storageDir == "" {
		storageDir = "/"
	}
	return &SystemMonitor{
		logger:     logger.With("component", "system_monitor"),
		storageDir: storageDir,
		interval:   defaultInterval,
		lowWater:   defaultLowWater,
		close:      make(chan struct{}),
	}
}

// Start faz a primeira amostragem e dispara a coleta periódica.
func (sm *SystemMonitor) Start() {
	sm.collect()
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sm.close:
				return
			case <-ticker.C:
				sm.collect()
			}
		}
	}()
}

// Stop encerra a coleta periódica.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats retorna o último snapshot coletado.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

// LowDisk reporta se o volume de resultados está abaixo do piso de espaço
// livre. O orquestrador consulta isso pelo health endpoint antes de agendar
// novas análises.
func (sm *SystemMonitor) LowDisk() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lowDisk
}

func (sm *SystemMonitor) collect() {
	stats := sm.sample()

	sm.mu.Lock()
	sm.stats = stats
	wasLow := sm.lowDisk
	sm.lowDisk = stats.Storage.TotalBytes > 0 && stats.Storage.FreeBytes < sm.lowWater
	isLow := sm.lowDisk
	sm.mu.Unlock()

	// Loga apenas as transições para não inundar o log a cada tick.
	if isLow && !wasLow {
		sm.logger.Warn("result storage volume is low on space",
			"dir", sm.storageDir,
			"free_MB", stats.Storage.FreeBytes/(1024*1024),
			"used_pct", stats.Storage.UsedPercent,
		)
	} else if !isLow && wasLow {
		sm.logger.Info("result storage volume recovered",
			"dir", sm.storageDir,
			"free_MB", stats.Storage.FreeBytes/(1024*1024),
		)
	}
}

// sample coleta uma rodada de métricas. Falhas individuais não derrubam a
// rodada: cada subsistema que falhar fica zerado e é logado em debug.
func (sm *SystemMonitor) sample() SystemStats {
	var stats SystemStats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	if d, err := disk.Usage(sm.storageDir); err == nil {
		stats.Storage = StorageStats{
			UsedPercent: d.UsedPercent,
			FreeBytes:   d.Free,
			TotalBytes:  d.Total,
		}
	} else {
		sm.logger.Debug("failed to collect storage stats", "dir", sm.storageDir, "error", err)
	}

	return stats
}
