// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-sandbox/internal/storage"
)

// protocolHandler é o ciclo de vida de um subprotocolo negociado. Handle roda
// dentro de um escopo que garante Close (e portanto o fechamento do arquivo
// de destino) em qualquer caminho de saída.
type protocolHandler interface {
	Handle() error
	Close()
}

// negotiate lê a linha de negociação e constrói o handler do subprotocolo.
// Retorna nil quando a conexão deve ser simplesmente fechada (EOF, comando
// desconhecido, header malformado) — nada é enviado de volta ao peer.
func (s *Server) negotiate(sess *Session) protocolHandler {
	line, err := sess.ReadLine()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			// Peer conectou e fechou sem negociar.
		case errors.Is(err, ErrLineTooLong):
			sess.logger.Warn("overly long negotiation line, terminating connection")
		default:
			sess.logger.Debug("reading negotiation line", "error", err)
		}
		return nil
	}

	command, rest, _ := strings.Cut(line, " ")

	// Comando primeiro, header depois: um comando desconhecido fecha a
	// conexão antes de qualquer tentativa de parse do header.
	switch command {
	case "FILE", "LOG", "BSON", "REALTIME":
	default:
		sess.logger.Warn("unknown netlog protocol requested, terminating connection", "command", command)
		return nil
	}

	var header any
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &header); err != nil {
			sess.logger.Warn("invalid netlog header", "header", rest, "error", err)
			return nil
		}
		// Compat com monitors antigos: header BSON como inteiro puro.
		if command == "BSON" && !strings.HasPrefix(strings.TrimSpace(rest), "{") {
			header = map[string]any{"pid": header}
		}
	}

	sess.command = command

	switch command {
	case "FILE":
		return &fileUpload{sess: sess, header: header}
	case "LOG":
		return &logHandler{sess: sess}
	case "BSON":
		hdr, _ := header.(map[string]any)
		return &bsonStore{sess: sess, header: hdr}
	default: // REALTIME, já validado acima
		return &realtimeHandler{sess: sess}
	}
}

// fileUpload recebe um artefato da VM e grava sob o diretório da task.
type fileUpload struct {
	sess   *Session
	header any // nil (v1), número 2 (v2) ou objeto JSON (v3)
	fd     *os.File
}

func (f *fileUpload) Handle() error {
	s := f.sess

	// As linhas de framing têm deadline próprio; o corpo não tem timeout.
	s.conn.SetReadDeadline(time.Now().Add(fileLineTimeout * time.Second))

	hdr, err := f.resolveHeader()
	if err != nil {
		return err
	}
	s.header = hdr

	storeAs, _ := hdr["store_as"].(string)
	if storeAs == "" {
		return ErrNoStorePath
	}

	dumpPath, err := SanitizeUploadPath(storeAs)
	if err != nil {
		return err
	}

	s.logger.Debug("file upload", "path", dumpPath)

	fd, err := storage.OpenExclusive(filepath.Join(s.storageDir, dumpPath))
	if err != nil {
		if storage.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrOverwrite, dumpPath)
		}
		return fmt.Errorf("opening upload destination: %w", err)
	}
	f.fd = fd

	if err := storage.AppendJournal(s.storageDir, storage.JournalEntry{
		Path:     dumpPath,
		Filepath: headerString(hdr, "path"),
		Pids:     headerPids(hdr["pids"]),
	}); err != nil {
		return err
	}

	s.conn.SetReadDeadline(time.Time{})

	defer func() {
		if fi, err := fd.Stat(); err == nil {
			s.logger.Debug("uploaded file length", "path", dumpPath, "bytes", fi.Size())
		}
	}()

	var out io.Writer = fd
	if s.srv != nil && s.srv.opts.ReceiveRateLimit > 0 {
		out = NewThrottledWriter(s.ctx, fd, s.srv.opts.ReceiveRateLimit)
	}
	return s.CopyTo(out, f.uploadMaxSize())
}

func (f *fileUpload) uploadMaxSize() int64 {
	if f.sess.srv != nil {
		return f.sess.srv.opts.UploadMaxSize
	}
	return 0
}

// resolveHeader normaliza as três variantes do header FILE para um objeto.
// v1: sem header, o path vem na linha seguinte. v2: header literal "2",
// seguido de store_as, path e lista de pids separada por vírgula. v3: objeto
// JSON com store_as/path/pids/rid.
func (f *fileUpload) resolveHeader() (map[string]any, error) {
	s := f.sess
	switch h := f.header.(type) {
	case nil:
		storeAs, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		return map[string]any{"store_as": storeAs}, nil

	case float64:
		if h != 2 {
			return nil, fmt.Errorf("%w: unsupported file header version %v", ErrInvalidHeader, h)
		}
		storeAs, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		path, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		pidLine, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		var pids []any
		for _, p := range strings.Split(pidLine, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			pid, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad pid list %q", ErrInvalidHeader, pidLine)
			}
			pids = append(pids, pid)
		}
		return map[string]any{"store_as": storeAs, "path": path, "pids": pids}, nil

	case map[string]any:
		if rid, ok := h["rid"]; ok {
			s.responseID = rid
		}
		return h, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidHeader, f.header)
	}
}

func (f *fileUpload) Close() {
	if f.fd != nil {
		f.fd.Close()
		f.fd = nil
	}
}

// headerString extrai um campo string opcional do header.
func headerString(hdr map[string]any, key string) *string {
	if v, ok := hdr[key].(string); ok {
		return &v
	}
	return nil
}

// headerPids normaliza a lista de pids do header (números JSON ou int64 já
// parseados da variante v2).
func headerPids(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	pids := make([]int64, 0, len(list))
	for _, p := range list {
		switch n := p.(type) {
		case float64:
			pids = append(pids, int64(n))
		case int64:
			pids = append(pids, n)
		}
	}
	return pids
}

// logHandler recebe o live log da análise. Só pode ser aberto uma vez por
// task: a exclusão vem do O_EXCL no analysis.log. A escrita é direta no fd
// para o log ficar legível em disco enquanto a análise roda.
type logHandler struct {
	sess *Session
	fd   *os.File
}

func (l *logHandler) Handle() error {
	s := l.sess

	fd, err := storage.OpenExclusive(filepath.Join(s.storageDir, "analysis.log"))
	if err != nil {
		if storage.IsExist(err) {
			// Reabertura: retorna sem consumir o corpo; o server fecha o socket.
			s.logger.Debug("attempted to reopen live log analysis.log")
			return nil
		}
		return fmt.Errorf("opening analysis.log: %w", err)
	}
	l.fd = fd
	s.logger.Debug("live log analysis.log initialized")

	return s.CopyTo(fd, 0)
}

func (l *logHandler) Close() {
	if l.fd != nil {
		l.fd.Close()
		l.fd = nil
	}
}

// bsonStore recebe o trace comportamental de um processo monitorado.
// O conteúdo é gravado cru para o processador downstream, sem validação.
type bsonStore struct {
	sess   *Session
	header map[string]any
	fd     *os.File
}

func (b *bsonStore) Handle() error {
	s := b.sess

	pid, ok := headerPid(b.header)
	if !ok {
		s.logger.Error("received BSON stream without a pid parameter, no behavioral log will be stored")
		return nil
	}

	// Escrita truncante: um monitor pode legitimamente reconectar para o
	// mesmo pid ao longo da vida do processo.
	fd, err := os.OpenFile(
		filepath.Join(s.storageDir, "logs", strconv.FormatInt(pid, 10)+".bson"),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644,
	)
	if err != nil {
		return fmt.Errorf("opening bson log: %w", err)
	}
	b.fd = fd

	s.logger.Debug("receiving bson stream", "pid", pid)
	return s.CopyTo(fd, 0)
}

func (b *bsonStore) Close() {
	if b.fd != nil {
		b.fd.Close()
		b.fd = nil
	}
}

// headerPid extrai o pid do header BSON (número JSON ou int64 do wrap legado).
func headerPid(hdr map[string]any) (int64, bool) {
	switch n := hdr["pid"].(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// realtimeHandler liga o canal bidirecional de controle em tempo real:
// linhas JSON inbound são entregues ao despachante da task; o despachante
// escreve respostas pela própria sessão.
type realtimeHandler struct {
	sess *Session
}

func (r *realtimeHandler) Handle() error {
	s := r.sess

	// Registra a sessão como caminho de escrita outbound da task.
	s.rt.Start(s)

	for {
		line, err := s.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("decoding realtime message: %w", err)
		}
		s.rt.OnMessage(msg)
	}
}

func (r *realtimeHandler) Close() {}
