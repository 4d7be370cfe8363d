// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nsandbox-resultd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ResultServerConfig representa a configuração completa do nsandbox-resultd.
type ResultServerConfig struct {
	Server    ServerInfo    `yaml:"server"`
	Storage   StorageInfo   `yaml:"storage"`
	Database  DatabaseInfo  `yaml:"database"`
	Retention RetentionInfo `yaml:"retention"`
	Logging   LoggingInfo   `yaml:"logging"`
	WebUI     WebUIConfig   `yaml:"web_ui"`
}

// ServerInfo contém o listener TCP do result server e os limites por conexão.
type ServerInfo struct {
	IP   string `yaml:"ip"`   // default: 0.0.0.0
	Port int    `yaml:"port"` // 0 = porta efêmera, reportada no startup

	// PoolSize limita os handlers de conexão simultâneos. 0 = ilimitado.
	PoolSize int `yaml:"pool_size"`

	// UploadMaxSize é o teto por upload FILE. Aceita sufixos kb/mb/gb.
	UploadMaxSize    string `yaml:"upload_max_size"` // default: "128mb"
	UploadMaxSizeRaw int64  `yaml:"-"`

	// ReceiveRateLimit limita a taxa de escrita em disco por upload
	// (bytes/segundo). "0" ou vazio desabilita.
	ReceiveRateLimit    string `yaml:"receive_rate_limit"`
	ReceiveRateLimitRaw int64  `yaml:"-"`
}

// StorageInfo contém o diretório raiz dos resultados de análise.
type StorageInfo struct {
	BaseDir string `yaml:"base_dir"`

	// ArchiveMode define a compressão dos exports de task: gzip|zst.
	ArchiveMode string `yaml:"archive_mode"` // default: gzip
}

// ArchiveExtension retorna a extensão de arquivo dos exports deste storage.
func (s StorageInfo) ArchiveExtension() string {
	switch s.ArchiveMode {
	case "zst":
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
}

// DatabaseInfo contém o caminho do banco SQLite de metadata de tasks.
type DatabaseInfo struct {
	Path string `yaml:"path"` // default: {storage.base_dir}/nsandbox.db
}

// RetentionInfo configura a varredura agendada de tasks antigas.
type RetentionInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`  // cron expression (default: "0 3 * * *")
	KeepDays int    `yaml:"keep_days"` // default: 30

	// Archive exporta o diretório da task antes de removê-lo.
	Archive    bool   `yaml:"archive"`
	ArchiveDir string `yaml:"archive_dir"` // default: {storage.base_dir}/archive
}

// WebUIConfig configura o listener HTTP da API de controle e observabilidade.
// AllowOrigins é interpretado pela ACL do pacote observability no startup.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9849"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)
}

// LoadResultServerConfig lê e valida o arquivo YAML de configuração.
func LoadResultServerConfig(path string) (*ResultServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result server config: %w", err)
	}

	var cfg ResultServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing result server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating result server config: %w", err)
	}

	return &cfg, nil
}

func (c *ResultServerConfig) validate() error {
	if c.Server.IP == "" {
		c.Server.IP = "0.0.0.0"
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PoolSize < 0 {
		return fmt.Errorf("server.pool_size must be >= 0, got %d", c.Server.PoolSize)
	}

	if c.Server.UploadMaxSize == "" {
		c.Server.UploadMaxSize = "128mb"
	}
	parsed, err := ParseByteSize(c.Server.UploadMaxSize)
	if err != nil {
		return fmt.Errorf("server.upload_max_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("server.upload_max_size must be > 0, got %s", c.Server.UploadMaxSize)
	}
	c.Server.UploadMaxSizeRaw = parsed

	if c.Server.ReceiveRateLimit == "" || c.Server.ReceiveRateLimit == "0" {
		c.Server.ReceiveRateLimitRaw = 0 // desabilitado
	} else {
		parsed, err := ParseByteSize(c.Server.ReceiveRateLimit)
		if err != nil {
			return fmt.Errorf("server.receive_rate_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("server.receive_rate_limit must be > 0 or \"0\" to disable, got %s", c.Server.ReceiveRateLimit)
		}
		c.Server.ReceiveRateLimitRaw = parsed
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.ArchiveMode == "" {
		c.Storage.ArchiveMode = "gzip"
	}
	c.Storage.ArchiveMode = strings.ToLower(strings.TrimSpace(c.Storage.ArchiveMode))
	if c.Storage.ArchiveMode != "gzip" && c.Storage.ArchiveMode != "zst" {
		return fmt.Errorf("storage.archive_mode must be gzip or zst, got %q", c.Storage.ArchiveMode)
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Storage.BaseDir, "nsandbox.db")
	}

	if c.Retention.Enabled {
		if c.Retention.Schedule == "" {
			c.Retention.Schedule = "0 3 * * *"
		}
		if c.Retention.KeepDays <= 0 {
			c.Retention.KeepDays = 30
		}
		if c.Retention.Archive && c.Retention.ArchiveDir == "" {
			c.Retention.ArchiveDir = filepath.Join(c.Storage.BaseDir, "archive")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Web UI defaults e validação
	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9849"
		}
		if c.WebUI.ReadTimeout <= 0 {
			c.WebUI.ReadTimeout = 5 * time.Second
		}
		if c.WebUI.WriteTimeout <= 0 {
			c.WebUI.WriteTimeout = 15 * time.Second
		}
		if c.WebUI.IdleTimeout <= 0 {
			c.WebUI.IdleTimeout = 60 * time.Second
		}
		if len(c.WebUI.AllowOrigins) == 0 {
			return fmt.Errorf("web_ui.allow_origins is required when web_ui is enabled (deny-by-default)")
		}
	}

	return nil
}
