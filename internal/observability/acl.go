// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability provê a API HTTP de controle e observabilidade do
// nsandbox-resultd: registro e teardown de tasks pelo orquestrador, métricas
// e health check.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// ACL restringe a API de controle aos hosts do orquestrador. A API registra
// e destrói tasks — qualquer um com acesso a ela cancela análises em voo —
// então o comportamento é deny-by-default: só passa quem estiver em um dos
// origins configurados, e cada recusa é logada.
type ACL struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewACL monta a ACL a partir dos origins do web_ui.allow_origins. Cada
// origin é um CIDR ou um IP isolado; um IP isolado vira o prefixo exato
// daquele endereço. Origins inválidos são erro de configuração e abortam o
// startup.
func NewACL(origins []string, logger *slog.Logger) (*ACL, error) {
	acl := &ACL{logger: logger}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		prefix, err := netip.ParsePrefix(origin)
		if err != nil {
			addr, addrErr := netip.ParseAddr(origin)
			if addrErr != nil {
				return nil, fmt.Errorf("web_ui.allow_origins: %q is not a valid IP or CIDR", origin)
			}
			prefix = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
		}
		acl.prefixes = append(acl.prefixes, prefix.Masked())
	}
	return acl, nil
}

// Middleware recusa com 403 qualquer request cujo IP remoto não esteja nos
// origins permitidos, logando a recusa.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			a.logger.Warn("control API request denied by acl",
				"remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed verifica o endereço remoto (host:port ou IP puro) contra os
// origins. Endereços IPv4 mapeados em IPv6 são normalizados antes do match.
func (a *ACL) Allowed(remoteAddr string) bool {
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if ip, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = ip
	} else {
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
