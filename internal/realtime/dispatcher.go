// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package realtime implementa o despachante do canal REALTIME: consome as
// mensagens JSON vindas da VM e correlaciona respostas a comandos enviados
// pelo host através do rid.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/n-sandbox/internal/resultserver"
)

// ErrNotConnected indica que o canal REALTIME da task ainda não foi
// estabelecido pela VM.
var ErrNotConnected = errors.New("realtime: channel not established")

// Correlator implementa resultserver.Dispatcher. Comandos outbound recebem um
// rid incremental; a resposta da VM (ou o envelope de um FILE com o mesmo
// rid) acorda o waiter correspondente. Mensagens sem waiter são entregues ao
// subscriber, se houver.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	w       io.Writer
	pending map[string]chan map[string]any

	// subscriber recebe mensagens não correlacionadas (eventos espontâneos
	// do agent). Opcional.
	subscriber func(msg map[string]any)

	nextRID atomic.Int64
}

// NewCorrelator cria um Correlator sem canal estabelecido.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		logger:  logger,
		pending: make(map[string]chan map[string]any),
	}
}

// Subscribe registra o receptor de mensagens não correlacionadas.
func (c *Correlator) Subscribe(fn func(msg map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber = fn
}

// Start registra a sessão como caminho de escrita outbound da task.
// Chamado pelo result server quando a VM estabelece o canal REALTIME.
func (c *Correlator) Start(s *resultserver.Session) {
	c.attach(s)
}

func (c *Correlator) attach(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
	c.logger.Debug("realtime channel established")
}

// OnMessage entrega uma mensagem inbound. Se o rid casar com um comando
// pendente, o waiter é acordado; caso contrário a mensagem vai ao subscriber.
func (c *Correlator) OnMessage(msg map[string]any) {
	rid, ok := messageRID(msg)

	c.mu.Lock()
	if ok {
		if ch, found := c.pending[rid]; found {
			delete(c.pending, rid)
			c.mu.Unlock()
			select {
			case ch <- msg:
			default:
			}
			return
		}
	}
	sub := c.subscriber
	c.mu.Unlock()

	if sub != nil {
		sub(msg)
		return
	}
	c.logger.Debug("unsolicited realtime message dropped", "rid", rid)
}

// Send envia um comando para a VM e bloqueia até a resposta correlacionada
// ou o cancelamento do context.
func (c *Correlator) Send(ctx context.Context, msg map[string]any) (map[string]any, error) {
	rid := fmt.Sprintf("%d", c.nextRID.Add(1))
	msg["rid"] = rid

	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify envia uma mensagem sem esperar resposta.
func (c *Correlator) Notify(msg map[string]any) error {
	return c.write(msg)
}

func (c *Correlator) write(msg map[string]any) error {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding realtime message: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing realtime message: %w", err)
	}
	return nil
}

// messageRID extrai o rid de uma mensagem como chave de correlação.
// Aceita string ou número (o JSON da VM ecoa o rid como foi recebido).
func messageRID(msg map[string]any) (string, bool) {
	switch v := msg["rid"].(type) {
	case string:
		return v, true
	case float64:
		return fmt.Sprintf("%d", int64(v)), true
	case int64:
		return fmt.Sprintf("%d", v), true
	}
	return "", false
}

// Recorder é um double de testes que registra as chamadas do result server.
type Recorder struct {
	mu       sync.Mutex
	started  bool
	messages []map[string]any
}

// NewRecorder cria um Recorder vazio.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start implementa resultserver.Dispatcher.
func (r *Recorder) Start(s *resultserver.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// OnMessage implementa resultserver.Dispatcher.
func (r *Recorder) OnMessage(msg map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Started reporta se o canal foi estabelecido.
func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Messages retorna uma cópia das mensagens recebidas.
func (r *Recorder) Messages() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any{}, r.messages...)
}
