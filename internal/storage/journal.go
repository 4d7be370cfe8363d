// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JournalEntry documenta um upload FILE no journal files.json da task.
type JournalEntry struct {
	Path     string  `json:"path"`     // path lógico sob o diretório da task
	Filepath *string `json:"filepath"` // path original dentro da VM (nil se desconhecido)
	Pids     []int64 `json:"pids"`     // processos de origem
}

// AppendJournal adiciona uma linha JSON ao files.json da task.
// O arquivo é aberto em modo append e cada entrada é gravada em um único
// write: abaixo de PIPE_BUF o kernel garante o append atômico, então o
// journal pode intercalar linhas de sessões concorrentes da mesma task,
// mas nunca linhas parciais.
func AppendJournal(taskDir string, entry JournalEntry) error {
	if entry.Pids == nil {
		entry.Pids = []int64{}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(taskDir, "files.json"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening files.json: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending journal entry: %w", err)
	}
	return nil
}
