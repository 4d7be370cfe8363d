// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resultserver

import (
	"fmt"
	"strings"
)

// uploadableDirs são os únicos diretórios onde o agent da VM pode gravar
// artefatos. Funciona como whitelist: o componente de diretório do path
// enviado pelo agent é comparado por igualdade exata.
var uploadableDirs = []string{
	"files", "shots", "buffer", "extracted", "memory", "package_files", "logs",
}

// bannedNameChars são bytes proibidos no nome do arquivo. NUL confunde APIs C;
// ':' habilita Alternate Data Streams em NTFS.
const bannedNameChars = "\x00:"

// SanitizeUploadPath valida o path relativo enviado pelo agent para um artefato.
// Normaliza backslashes para slashes e exige que o componente de diretório seja
// exatamente um dos diretórios uploadable. Não expande ".."; um ".." que
// sobreviva à comparação de igualdade não escapa porque o diretório inteiro
// precisa coincidir com a whitelist.
func SanitizeUploadPath(path string) (string, error) {
	path = strings.ReplaceAll(path, "\\", "/")

	idx := strings.LastIndex(path, "/")
	var dir, name string
	if idx >= 0 {
		dir, name = path[:idx], path[idx+1:]
	} else {
		dir, name = "", path
	}

	ok := false
	for _, d := range uploadableDirs {
		if dir == d {
			ok = true
			break
		}
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBannedPath, path)
	}

	if strings.ContainsAny(name, bannedNameChars) {
		return "", fmt.Errorf("%w: %q", ErrBannedPath, path)
	}

	return path, nil
}
