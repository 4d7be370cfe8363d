// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ThrottledWriter limita a taxa de escrita em disco de um upload com um token
// bucket. A contrapressão se propaga para o TCP da VM: o handler para de ler
// o socket enquanto espera tokens, o buffer de recepção enche e o kernel
// fecha a janela.
//
// O burst é fixado em readChunkSize: todo o caminho de recepção escreve em
// pedaços de no máximo um chunk de socket (CopyTo/ReadChunk), então cada
// escrita cabe em uma única reserva de tokens — não há loop de fatiamento.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter cria um ThrottledWriter com a taxa em bytes/segundo.
// Se bytesPerSec <= 0, retorna o writer original sem throttle.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), readChunkSize),
		ctx:     ctx,
	}
}

// Write reserva len(p) tokens e escreve de uma vez. Escritas maiores que um
// chunk de socket não acontecem no caminho de recepção; se aparecerem, são
// divididas ao meio recursivamente até caber no burst.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	if len(p) > readChunkSize {
		half := len(p) / 2
		n, err := tw.Write(p[:half])
		if err != nil {
			return n, err
		}
		m, err := tw.Write(p[half:])
		return n + m, err
	}

	if err := tw.limiter.WaitN(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}

// Flush repassa o flush para o writer subjacente, se bufferizado.
func (tw *ThrottledWriter) Flush() error {
	if f, ok := tw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
