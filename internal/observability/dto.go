// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"time"

	"github.com/nishisan-dev/n-sandbox/internal/taskstore"
)

// CreateTaskRequest é o corpo do POST /api/v1/tasks.
type CreateTaskRequest struct {
	TaskID int64  `json:"task_id"`
	IP     string `json:"ip"`
}

// TaskDTO é a projeção JSON de uma task.
type TaskDTO struct {
	ID          int64   `json:"id"`
	IP          string  `json:"ip"`
	Status      string  `json:"status"`
	AddedOn     string  `json:"added_on"`
	StartedOn   *string `json:"started_on,omitempty"`
	CompletedOn *string `json:"completed_on,omitempty"`
}

// HealthDTO é a resposta do GET /api/v1/health.
type HealthDTO struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	ResultServerPort int     `json:"result_server_port"`
	Goroutines       int     `json:"goroutines"`
	HeapAllocMB      float64 `json:"heap_alloc_mb"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	DiskFreeMB       uint64  `json:"disk_free_mb"`
	LowDisk          bool    `json:"low_disk"`
}

// MetricsDTO é a resposta do GET /api/v1/metrics.
type MetricsDTO struct {
	TrafficInBytes int64 `json:"traffic_in_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`
	ActiveConns    int32 `json:"active_conns"`
	Sessions       int   `json:"sessions"`
}

func taskToDTO(t *taskstore.Task) TaskDTO {
	dto := TaskDTO{
		ID:      t.ID,
		IP:      t.IP,
		Status:  t.Status,
		AddedOn: t.AddedOn.UTC().Format(time.RFC3339),
	}
	if t.StartedOn != nil {
		s := t.StartedOn.UTC().Format(time.RFC3339)
		dto.StartedOn = &s
	}
	if t.CompletedOn != nil {
		s := t.CompletedOn.UTC().Format(time.RFC3339)
		dto.CompletedOn = &s
	}
	return dto
}
