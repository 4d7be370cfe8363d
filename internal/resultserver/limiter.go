// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"io"
	"log/slog"
)

// WriteLimiter envolve um sink com um orçamento de bytes. Escritas além do
// limite são descartadas; na primeira truncagem o marcador literal é gravado
// e um warning é logado uma única vez. Truncagem não é erro: a conexão
// completa normalmente com o marcador em disco.
type WriteLimiter struct {
	w      io.Writer
	remain int64
	warned bool
	logger *slog.Logger
}

// NewWriteLimiter cria um WriteLimiter com o orçamento em bytes.
func NewWriteLimiter(w io.Writer, remain int64, logger *slog.Logger) *WriteLimiter {
	return &WriteLimiter{w: w, remain: remain, logger: logger}
}

// Write grava min(len(p), remain) bytes. Reporta len(p) para o caller
// continuar drenando o socket mesmo após o corte.
func (l *WriteLimiter) Write(p []byte) (int, error) {
	size := int64(len(p))
	write := size
	if write > l.remain {
		write = l.remain
	}
	if write > 0 {
		n, err := l.w.Write(p[:write])
		l.remain -= int64(n)
		if err != nil {
			return n, err
		}
	}
	if size > 0 && write != size && !l.warned {
		l.logger.Warn("uploaded file length larger than upload_max_size, stopping upload")
		if _, err := io.WriteString(l.w, truncatedMarker); err != nil {
			return int(size), err
		}
		l.warned = true
	}
	return int(size), nil
}

// Flush repassa o flush para o sink subjacente, se bufferizado.
func (l *WriteLimiter) Flush() error {
	if f, ok := l.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Truncated reporta se o limite foi atingido.
func (l *WriteLimiter) Truncated() bool {
	return l.warned
}
