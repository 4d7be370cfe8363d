// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-sandbox/internal/archive"
	"github.com/nishisan-dev/n-sandbox/internal/config"
	"github.com/nishisan-dev/n-sandbox/internal/monitor"
	"github.com/nishisan-dev/n-sandbox/internal/resultserver"
	"github.com/nishisan-dev/n-sandbox/internal/storage"
	"github.com/nishisan-dev/n-sandbox/internal/taskstore"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// ResultServer é a interface do result server consumida pelo router.
// Desacopla o pacote observability do *resultserver.Server concreto.
type ResultServer interface {
	AddTask(taskID int64, ip string, rt resultserver.Dispatcher)
	DelTask(taskID int64, ip string)
	ActualPort() int
	MetricsSnapshot() resultserver.Metrics
}

// Deps agrupa os colaboradores do router.
type Deps struct {
	Server  ResultServer
	Store   taskstore.Store
	Monitor *monitor.SystemMonitor
	Cfg     *config.ResultServerConfig
	Logger  *slog.Logger

	// NewDispatcher cria o despachante real-time de uma task recém
	// registrada.
	NewDispatcher func(taskID int64) resultserver.Dispatcher
}

// NewRouter cria o http.Handler da API de controle e observabilidade.
// Aplica middleware ACL em todas as rotas.
func NewRouter(deps Deps, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", makeHealthHandler(deps))
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(deps))
	mux.HandleFunc("GET /api/v1/tasks", makeListTasksHandler(deps))
	mux.HandleFunc("GET /api/v1/tasks/{id}", makeGetTaskHandler(deps))
	mux.HandleFunc("POST /api/v1/tasks", makeCreateTaskHandler(deps))
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", makeDeleteTaskHandler(deps))
	mux.HandleFunc("POST /api/v1/tasks/{id}/archive", makeArchiveTaskHandler(deps))

	return acl.Middleware(mux)
}

func makeHealthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		var sys monitor.SystemStats
		lowDisk := false
		if deps.Monitor != nil {
			sys = deps.Monitor.Stats()
			lowDisk = deps.Monitor.LowDisk()
		}

		status := "ok"
		if lowDisk {
			status = "low_disk"
		}

		writeJSON(w, http.StatusOK, HealthDTO{
			Status:           status,
			Version:          Version,
			UptimeSeconds:    int64(time.Since(startTime).Seconds()),
			ResultServerPort: deps.Server.ActualPort(),
			Goroutines:       runtime.NumGoroutine(),
			HeapAllocMB:      float64(mem.HeapAlloc) / (1024 * 1024),
			CPUPercent:       sys.CPUPercent,
			MemoryPercent:    sys.MemoryPercent,
			DiskUsagePercent: sys.Storage.UsedPercent,
			DiskFreeMB:       sys.Storage.FreeBytes / (1024 * 1024),
			LowDisk:          lowDisk,
		})
	}
}

func makeMetricsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := deps.Server.MetricsSnapshot()
		writeJSON(w, http.StatusOK, MetricsDTO{
			TrafficInBytes: m.TrafficIn,
			DiskWriteBytes: m.DiskWrite,
			ActiveConns:    m.ActiveConns,
			Sessions:       m.Sessions,
		})
	}
}

func makeListTasksHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		tasks, err := deps.Store.List(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		result := make([]TaskDTO, 0, len(tasks))
		for _, t := range tasks {
			result = append(result, taskToDTO(t))
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func makeGetTaskHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathTaskID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := deps.Store.Get(id)
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, taskToDTO(t))
	}
}

// makeCreateTaskHandler provisiona os diretórios da task, registra a row no
// store e ativa o binding IP→task no result server. É o add_task do
// orquestrador.
func makeCreateTaskHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.TaskID <= 0 {
			writeError(w, http.StatusBadRequest, "task_id is required")
			return
		}
		if req.IP == "" {
			writeError(w, http.StatusBadRequest, "ip is required")
			return
		}

		taskDir, err := storage.ProvisionTaskDirs(deps.Cfg.Storage.BaseDir, req.TaskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		task := &taskstore.Task{ID: req.TaskID, IP: req.IP}
		if err := deps.Store.Create(task); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err := deps.Store.SetStatus(req.TaskID, taskstore.StatusRunning); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if err := storage.WriteTaskJSON(taskDir, storage.TaskMeta{
			ID:      req.TaskID,
			IP:      req.IP,
			AddedOn: task.AddedOn,
			Status:  taskstore.StatusRunning,
		}); err != nil {
			deps.Logger.Warn("writing task.json", "task", req.TaskID, "error", err)
		}
		if err := storage.SetLatest(deps.Cfg.Storage.BaseDir, req.TaskID); err != nil {
			deps.Logger.Debug("updating latest symlink", "task", req.TaskID, "error", err)
		}

		deps.Server.AddTask(req.TaskID, req.IP, deps.NewDispatcher(req.TaskID))
		deps.Logger.Info("task registered", "task", req.TaskID, "ip", req.IP)

		created, err := deps.Store.Get(req.TaskID)
		if err != nil {
			writeJSON(w, http.StatusCreated, taskToDTO(task))
			return
		}
		writeJSON(w, http.StatusCreated, taskToDTO(created))
	}
}

// makeDeleteTaskHandler é o del_task do orquestrador: remove o binding,
// cancela as sessões em andamento e finaliza a row no store.
func makeDeleteTaskHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathTaskID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		t, err := deps.Store.Get(id)
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		deps.Server.DelTask(id, t.IP)

		status := r.URL.Query().Get("status")
		if status != taskstore.StatusFailed {
			status = taskstore.StatusCompleted
		}
		if err := deps.Store.SetStatus(id, status); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		deps.Logger.Info("task torn down", "task", id, "ip", t.IP, "status", status)

		t, _ = deps.Store.Get(id)
		writeJSON(w, http.StatusOK, taskToDTO(t))
	}
}

func makeArchiveTaskHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathTaskID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := deps.Store.Get(id); errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		taskDir := storage.TaskDir(deps.Cfg.Storage.BaseDir, id)
		archiveDir := deps.Cfg.Retention.ArchiveDir
		if archiveDir == "" {
			archiveDir = filepath.Join(deps.Cfg.Storage.BaseDir, "archive")
		}
		if err := os.MkdirAll(archiveDir, 0755); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		dest := filepath.Join(archiveDir, strconv.FormatInt(id, 10)+deps.Cfg.Storage.ArchiveExtension())
		if err := archive.CreateTaskArchive(taskDir, dest, deps.Cfg.Storage.ArchiveMode); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		deps.Logger.Info("task archived on demand", "task", id, "archive", dest)
		writeJSON(w, http.StatusOK, map[string]string{"archive": dest})
	}
}

// pathTaskID extrai o id numérico do path da rota.
func pathTaskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", r.PathValue("id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
