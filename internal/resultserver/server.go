// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-sandbox/internal/logging"
)

// PathResolver resolve o diretório de armazenamento de uma task. Fornecido
// pelo host como função pura.
type PathResolver func(taskID int64) string

// Options configura um Server.
type Options struct {
	IP   string
	Port int // 0 = porta efêmera, reportada em ActualPort

	// PoolSize limita o número de handlers de conexão simultâneos.
	// 0 = ilimitado.
	PoolSize int

	// UploadMaxSize é o teto em bytes de cada upload FILE. 0 = sem limite.
	UploadMaxSize int64

	// ReceiveRateLimit limita a taxa de escrita em disco por upload
	// (bytes/segundo). 0 = sem throttle.
	ReceiveRateLimit int64

	Paths  PathResolver
	Logger *slog.Logger
}

// Server é o servidor de coleta de resultados: dono do socket de escuta e do
// ciclo de vida das conexões das VMs.
type Server struct {
	opts     Options
	registry *Registry
	logger   *slog.Logger

	ln  net.Listener
	sem chan struct{} // nil quando o pool é ilimitado
	wg  sync.WaitGroup

	// Métricas observáveis pelo stats reporter e pela API HTTP.
	TrafficIn   atomic.Int64 // bytes recebidos da rede
	DiskWrite   atomic.Int64 // bytes entregues aos sinks de disco
	ActiveConns atomic.Int32
}

// New cria um Server sem ainda abrir o socket; chame Listen antes de Serve.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		registry: NewRegistry(opts.Logger),
		logger:   opts.Logger,
	}
	if opts.PoolSize > 0 {
		s.sem = make(chan struct{}, opts.PoolSize)
	}
	return s
}

// Listen abre o socket de escuta. Erros de bind viram mensagens fatais
// voltadas ao operador; o Go já arma SO_REUSEADDR em listeners TCP.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.IP, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EADDRINUSE):
			return fmt.Errorf("cannot bind result server on %s because the port is in use, bailing", addr)
		case errors.Is(err, syscall.EADDRNOTAVAIL):
			return fmt.Errorf("unable to bind result server on %s: the address is not available. "+
				"This usually happens when the virtual interface holding the result server IP is not up", addr)
		default:
			return fmt.Errorf("binding result server on %s: %w", addr, err)
		}
	}
	s.ln = ln
	return nil
}

// ActualPort retorna a porta efetiva de escuta (relevante com Port = 0).
func (s *Server) ActualPort() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// AddTask registra uma task ativa para o IP da VM. Deve acontecer antes de
// qualquer conexão daquela VM; conexões anteriores ao registro são recusadas.
func (s *Server) AddTask(taskID int64, ip string, rt Dispatcher) {
	s.registry.AddTask(taskID, ip, rt)
}

// DelTask remove a task e cancela as sessões em andamento. Ao retornar, o
// cancel de cada sessão já foi emitido; handlers podem drenar brevemente até
// observar o shutdown do socket, mas nenhum novo arquivo é escrito depois que
// saem.
func (s *Server) DelTask(taskID int64, ip string) {
	s.registry.DelTask(taskID, ip)
}

// Registry expõe o registro de tasks (para a API de controle e testes).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics é um snapshot das métricas observáveis do server.
type Metrics struct {
	TrafficIn   int64
	DiskWrite   int64
	ActiveConns int32
	Sessions    int
}

// MetricsSnapshot retorna uma cópia atômica das métricas observáveis.
func (s *Server) MetricsSnapshot() Metrics {
	return Metrics{
		TrafficIn:   s.TrafficIn.Load(),
		DiskWrite:   s.DiskWrite.Load(),
		ActiveConns: s.ActiveConns.Load(),
		Sessions:    s.registry.TotalSessions(),
	}
}

// Serve roda o accept loop até o context ser cancelado. Cada conexão é
// processada em goroutine própria, limitada pelo pool quando configurado.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info("result server listening", "address", s.ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down result server")
		s.ln.Close()
	}()

	// Backoff para prevenir hot loop em erros consecutivos de accept.
	consecutiveErrors := 0
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				s.logger.Info("result server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.sem != nil {
				defer func() { <-s.sem }()
			}
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processa uma conexão de VM do accept ao teardown.
// Nenhum erro escapa para o accept loop: a sessão é a fronteira de
// isolamento de falha.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.ActiveConns.Add(1)
	defer s.ActiveConns.Add(-1)
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())

	peerIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		peerIP = conn.RemoteAddr().String()
	}

	// Autenticação: só o IP de origem vincula a conexão a uma task.
	taskID, rt, ok := s.registry.Bind(peerIP)
	if !ok {
		logger.Warn("result server did not have a task for ip", "ip", peerIP)
		return
	}

	storageDir := s.opts.Paths(taskID)

	// Escopo de log da task: registros desta conexão também vão para o
	// task.log no diretório da task.
	tlog, closer, _, err := logging.NewTaskLogger(logger.With("task", taskID), storageDir)
	if err != nil {
		logger.Warn("opening task log", "task", taskID, "error", err)
		tlog = logger.With("task", taskID)
	} else {
		defer closer.Close()
	}

	sess := newSession(s, conn, taskID, peerIP, storageDir, rt, tlog)
	sess.ctx = ctx

	proto := s.negotiate(sess)
	if proto == nil {
		return
	}

	// A task pode ter sido destruída (e o IP rebindado para outra task)
	// durante a negociação; o Attach revalida sob o lock do registry.
	if !s.registry.Attach(sess) {
		tlog.Warn("task was cancelled during negotiation", "ip", peerIP)
		return
	}

	func() {
		defer proto.Close()
		if err := proto.Handle(); err != nil {
			s.logHandlerError(tlog, sess, err)
		}
	}()

	// Envelope de resposta de um FILE com rid: entregue ao despachante
	// capturado na sessão no accept, nunca a um lookup tardio no registry —
	// um AddTask concorrente para o mesmo IP entregaria ao destino errado.
	if sess.responseID != nil && sess.rt != nil {
		sess.rt.OnMessage(sess.header)
	}

	s.registry.Detach(sess)
	sess.Cancel()

	if len(sess.buf) > 0 {
		tlog.Warn("session has unprocessed data before getting disconnected",
			"command", sess.command, "bytes", len(sess.buf))
	}
}

// logHandlerError classifica o erro do handler: protocolo (error), timeout da
// fase de framing (warn) e os demais, incluindo recurso (error). EOF, reset e
// cancelamento já chegam aqui como fim limpo (ReadChunk) e não são logados.
func (s *Server) logHandlerError(logger *slog.Logger, sess *Session, err error) {
	switch {
	case errors.Is(err, ErrBannedPath),
		errors.Is(err, ErrOverwrite),
		errors.Is(err, ErrNoStorePath),
		errors.Is(err, ErrInvalidHeader),
		errors.Is(err, ErrLineTooLong):
		logger.Error("protocol error", "command", sess.command, "error", err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Warn("timeout reading protocol framing", "command", sess.command)
	default:
		logger.Error("handler failed", "command", sess.command, "error", err)
	}
}
