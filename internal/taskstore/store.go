// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package taskstore persiste a metadata das tasks de análise em SQLite.
// O result server em si não depende deste pacote: a API de controle usa a
// interface estreita Store para registrar e finalizar tasks.
package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status de uma task no ciclo de vida da análise.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound indica que a task não existe no store.
var ErrNotFound = errors.New("taskstore: task not found")

// Task é a metadata persistida de uma análise.
type Task struct {
	ID          int64
	IP          string
	Status      string
	AddedOn     time.Time
	StartedOn   *time.Time
	CompletedOn *time.Time
}

// Store é a interface estreita consumida pela API de controle.
type Store interface {
	Create(t *Task) error
	Get(id int64) (*Task, error)
	List(limit int) ([]*Task, error)
	SetStatus(id int64, status string) error
	CompletedBefore(cutoff time.Time) ([]*Task, error)
	Close() error
}

// SQLStore implementa Store sobre SQLite.
type SQLStore struct {
	db *sql.DB
}

// Open abre (ou cria) o banco no path e aplica o schema.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY,
		ip           TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		added_on     DATETIME NOT NULL,
		started_on   DATETIME,
		completed_on DATETIME
	)`)
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// Close fecha o banco.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Create insere uma task. AddedOn recebe o horário atual se zerado.
func (s *SQLStore) Create(t *Task) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.AddedOn.IsZero() {
		t.AddedOn = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO tasks (id, ip, status, added_on) VALUES (?, ?, ?, ?)",
		t.ID, t.IP, t.Status, t.AddedOn,
	)
	if err != nil {
		return fmt.Errorf("inserting task %d: %w", t.ID, err)
	}
	return nil
}

// Get retorna a task pelo id, ou ErrNotFound.
func (s *SQLStore) Get(id int64) (*Task, error) {
	row := s.db.QueryRow(
		"SELECT id, ip, status, added_on, started_on, completed_on FROM tasks WHERE id = ?", id,
	)
	return scanTask(row)
}

// List retorna as tasks mais recentes, limitadas por limit.
func (s *SQLStore) List(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, ip, status, added_on, started_on, completed_on FROM tasks ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetStatus atualiza o status e carimba started_on/completed_on conforme a
// transição.
func (s *SQLStore) SetStatus(id int64, status string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case StatusRunning:
		res, err = s.db.Exec("UPDATE tasks SET status = ?, started_on = ? WHERE id = ?", status, now, id)
	case StatusCompleted, StatusFailed:
		res, err = s.db.Exec("UPDATE tasks SET status = ?, completed_on = ? WHERE id = ?", status, now, id)
	default:
		res, err = s.db.Exec("UPDATE tasks SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("updating task %d status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompletedBefore retorna as tasks finalizadas (completed/failed) com
// completed_on anterior ao cutoff. Usado pela varredura de retenção.
func (s *SQLStore) CompletedBefore(cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT id, ip, status, added_on, started_on, completed_on FROM tasks
		 WHERE status IN (?, ?) AND completed_on IS NOT NULL AND completed_on < ?
		 ORDER BY id`,
		StatusCompleted, StatusFailed, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying completed tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanner cobre sql.Row e sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var started, completed sql.NullTime
	err := row.Scan(&t.ID, &t.IP, &t.Status, &t.AddedOn, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if started.Valid {
		t.StartedOn = &started.Time
	}
	if completed.Valid {
		t.CompletedOn = &completed.Time
	}
	return &t, nil
}
