// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"log/slog"
	"sync"
)

// Registry é o estado compartilhado do result server: o mapeamento
// autoritativo IP→task, task→despachante real-time e task→sessões ativas.
// Todo acesso passa pelo mutex; o cancelamento das sessões extraídas em
// DelTask acontece fora do lock para não inverter com o caminho de I/O de
// uma sessão.
type Registry struct {
	mu             sync.Mutex
	byIP           map[string]int64
	rtByTask       map[int64]Dispatcher
	sessionsByTask map[int64]map[*Session]struct{}
	logger         *slog.Logger
}

// NewRegistry cria um Registry vazio.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byIP:           make(map[string]int64),
		rtByTask:       make(map[int64]Dispatcher),
		sessionsByTask: make(map[int64]map[*Session]struct{}),
		logger:         logger,
	}
}

// AddTask registra uma task ativa para o IP da VM. Um binding anterior do
// mesmo IP é sobrescrito silenciosamente; a ordenação é responsabilidade do
// orquestrador.
func (r *Registry) AddTask(taskID int64, ip string, rt Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIP[ip] = taskID
	r.rtByTask[taskID] = rt
}

// DelTask remove o estado da task e aborta as sessões pendentes. Como a VM
// está prestes a ser destruída, conexões ainda abertas indicam um agent que
// não encerrou após sinalizar conclusão. Idempotente: uma segunda chamada só
// emite o warning de IP desconhecido.
func (r *Registry) DelTask(taskID int64, ip string) {
	r.mu.Lock()
	if _, ok := r.byIP[ip]; !ok {
		r.logger.Warn("result server did not have a task for ip", "task", taskID, "ip", ip)
	} else {
		delete(r.byIP, ip)
	}
	delete(r.rtByTask, taskID)
	sessions := r.sessionsByTask[taskID]
	delete(r.sessionsByTask, taskID)
	r.mu.Unlock()

	for s := range sessions {
		r.logger.Warn("cancelling open session during task teardown", "task", taskID, "command", s.command)
		s.Cancel()
	}
}

// Bind resolve o IP do peer para a task ativa e seu despachante real-time.
func (r *Registry) Bind(ip string) (int64, Dispatcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taskID, ok := r.byIP[ip]
	if !ok {
		return 0, nil, false
	}
	return taskID, r.rtByTask[taskID], true
}

// Attach registra a sessão no conjunto da task, mas apenas se o binding
// IP→task ainda for o mesmo do accept: a task pode ter sido destruída (e o
// IP rebindado) durante a negociação de protocolo.
func (r *Registry) Attach(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIP[s.peerIP] != s.taskID {
		return false
	}
	set, ok := r.sessionsByTask[s.taskID]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessionsByTask[s.taskID] = set
	}
	set[s] = struct{}{}
	return true
}

// Detach remove a sessão do conjunto da task. Idempotente: a sessão pode já
// ter sido extraída por DelTask.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sessionsByTask[s.taskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.sessionsByTask, s.taskID)
		}
	}
}

// ActiveSessions retorna o número de sessões com handler em execução para a
// task (para observabilidade e testes).
func (r *Registry) ActiveSessions(taskID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessionsByTask[taskID])
}

// TotalSessions retorna o número de sessões ativas somado sobre as tasks.
func (r *Registry) TotalSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.sessionsByTask {
		total += len(set)
	}
	return total
}
