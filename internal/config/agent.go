// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FetcherConfig representa a configuração completa de um processo
// shuffle-fetcher: identidade do worker, pool de fetch, timeouts,
// bypass local, TLS de saída e logging.
type FetcherConfig struct {
	Fetcher FetcherInfo  `yaml:"fetcher"`
	Pool    PoolInfo     `yaml:"pool"`
	TLS     TLSClient    `yaml:"tls"`
	Local   LocalFetch   `yaml:"local"`
	Codec   CodecInfo    `yaml:"codec"`
	Stats   StatsInfo    `yaml:"stats"`
	Logging LoggingInfo  `yaml:"logging"`
	Demo    []DemoHost   `yaml:"demo_hosts"`
}

// FetcherInfo identifica este processo worker perante o scheduler.
type FetcherInfo struct {
	ID             string `yaml:"id"`
	LocalHostPort  string `yaml:"local_host_port"`  // host:port deste worker, usado para decidir o bypass local
	MetricsAddress string `yaml:"metrics_address"`  // bind address do endpoint de métricas (opcional)
	SessionLogDir  string `yaml:"session_log_dir"`  // se não vazio, grava um log dedicado por host session
}

// PoolInfo controla o tamanho do pool de fetchers e os timeouts de
// cada host session.
type PoolInfo struct {
	Size             int           `yaml:"size"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ReadBytesPerSec  string        `yaml:"read_bytes_per_sec"` // ex: "10mb", vazio/0 desabilita o throttle
	ReadBytesPerSecRaw int64       `yaml:"-"`
}

// TLSClient contém os caminhos dos certificados mTLS usados para
// autenticar a conexão HTTP de fetch contra o host remoto.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Enabled reports whether enough fields were supplied to build a TLS
// client config. A fetcher with no TLS section talks plain HTTP.
func (t TLSClient) Enabled() bool {
	return t.CACert != "" && t.ClientCert != "" && t.ClientKey != ""
}

// LocalFetch controls the local-disk bypass (spec.md §4.6).
type LocalFetch struct {
	Enabled    bool     `yaml:"enabled"`
	LocalDirs  []string `yaml:"local_dirs"`
	OutputFile string   `yaml:"output_file"`
	IndexFile  string   `yaml:"index_file"`
}

// CodecInfo selects the payload decompression codec and whether the
// decoder should read ahead of the consumer.
type CodecInfo struct {
	Name      string `yaml:"name"` // "gzip" (default) or "zstd"
	ReadAhead bool   `yaml:"read_ahead"`
}

// StatsInfo controls the periodic stats-reporter log line.
type StatsInfo struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DemoHost is one host assignment the local demo CLI enqueues against
// the in-memory reference scheduler at startup. Real deployments source
// assignments from the shuffle scheduler's RPC surface instead; this
// section only exists so `cmd/shuffle-fetcher` has something to run
// standalone.
type DemoHost struct {
	Identifier string   `yaml:"identifier"`
	BaseURL    string   `yaml:"base_url"`
	Partition  int32    `yaml:"partition"`
	Pending    []string `yaml:"pending"`
}

// LoadFetcherConfig lê e valida o arquivo YAML de configuração do
// shuffle-fetcher.
func LoadFetcherConfig(path string) (*FetcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fetcher config: %w", err)
	}

	var cfg FetcherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing fetcher config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating fetcher config: %w", err)
	}

	return &cfg, nil
}

func (c *FetcherConfig) validate() error {
	if c.Fetcher.ID == "" {
		return fmt.Errorf("fetcher.id is required")
	}

	if c.Pool.Size <= 0 {
		c.Pool.Size = 4
	}
	if c.Pool.ReadTimeout <= 0 {
		c.Pool.ReadTimeout = 60 * time.Second
	}
	if c.Pool.ReadBytesPerSec != "" {
		parsed, err := ParseByteSize(c.Pool.ReadBytesPerSec)
		if err != nil {
			return fmt.Errorf("pool.read_bytes_per_sec: %w", err)
		}
		c.Pool.ReadBytesPerSecRaw = parsed
	}

	if c.Local.Enabled {
		if len(c.Local.LocalDirs) == 0 {
			return fmt.Errorf("local.local_dirs must have at least one entry when local.enabled is true")
		}
		if c.Fetcher.LocalHostPort == "" {
			return fmt.Errorf("fetcher.local_host_port is required when local.enabled is true")
		}
		if c.Local.OutputFile == "" {
			c.Local.OutputFile = "output.out"
		}
		if c.Local.IndexFile == "" {
			c.Local.IndexFile = c.Local.OutputFile + ".index"
		}
	}

	switch strings.ToLower(c.Codec.Name) {
	case "", "gzip":
		c.Codec.Name = "gzip"
	case "zstd":
	default:
		return fmt.Errorf("codec.name must be \"gzip\" or \"zstd\", got %q", c.Codec.Name)
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i, h := range c.Demo {
		if h.Identifier == "" {
			return fmt.Errorf("demo_hosts[%d].identifier is required", i)
		}
		if !c.Local.Enabled || h.Identifier != c.Fetcher.LocalHostPort {
			if h.BaseURL == "" {
				return fmt.Errorf("demo_hosts[%d].base_url is required for a non-local host", i)
			}
		}
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
