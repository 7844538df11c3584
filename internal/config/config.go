package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"revindex/internal/indexerr"
)

// OutputKind selects the sink a run writes to.
type OutputKind string

const (
	OutputSQL      OutputKind = "SQL"
	OutputDatabase OutputKind = "DATABASE"
	OutputDatafile OutputKind = "DATAFILE"
)

// Defaults applied by the loader.
const (
	DefaultCharset          = "UTF-8"
	DefaultBufferSize       = 15000
	DefaultMaxAllowedPacket = 16 * 1024 * 1023
	DefaultRetryAttempts    = 3
	DefaultRetryDelayMS     = 1500
)

// ParseOutputKind accepts the kind names case-insensitively.
func ParseOutputKind(s string) (OutputKind, error) {
	switch k := OutputKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case OutputSQL, OutputDatabase, OutputDatafile:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported output kind: %q", s)
	}
}

type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// Config is read-only once Load returns; every component receives the same
// pointer for the lifetime of the process.
type Config struct {
	Host     string `yaml:"host"`
	Database string `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Output is the path as written in the file. OutputDir is the directory
	// the file sinks write into: Output itself when it is a directory,
	// otherwise its parent.
	Output    string     `yaml:"output"`
	OutputDir string     `yaml:"-"`
	Kind      OutputKind `yaml:"output_kind"`

	Charset          string `yaml:"charset"`
	BufferSize       int    `yaml:"buffer"`
	MaxAllowedPacket int64  `yaml:"max_allowed_packets"`

	Retry       RetryConfig `yaml:"retry"`
	MetricsFile string      `yaml:"metrics_file"`
}

// Load reads the configuration file at path. Files ending in .yaml or .yml
// are decoded as YAML, everything else as a Java style properties file.
// An unreadable file is a fatal Config error.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, indexerr.New(indexerr.Config, "load", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, indexerr.New(indexerr.Config, "load", errors.Wrapf(err, "could not load configuration file %s", path))
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	default:
		cfg, err = parseProperties(data)
	}
	if err != nil {
		return nil, indexerr.New(indexerr.Config, "load", errors.Wrapf(err, "parsing %s", path))
	}

	if err := cfg.finish(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Kind != "" {
		k, err := ParseOutputKind(string(cfg.Kind))
		if err != nil {
			return nil, err
		}
		cfg.Kind = k
	}
	return &cfg, nil
}

func parseProperties(data []byte) (*Config, error) {
	// ${...} in passwords is literal text, not a reference.
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadBytes(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:        p.GetString("host", ""),
		Database:    p.GetString("db", ""),
		User:        p.GetString("user", ""),
		Password:    p.GetString("password", ""),
		Output:      p.GetString("output", ""),
		Charset:     p.GetString("charset", ""),
		MetricsFile: p.GetString("metricsFile", ""),
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"buffer", &cfg.BufferSize},
		{"retryAttempts", &cfg.Retry.Attempts},
		{"retryDelayMs", &cfg.Retry.DelayMS},
	}
	for _, f := range ints {
		if v, ok := p.Get(f.key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.Wrapf(err, "%s", f.key)
			}
			*f.dst = n
		}
	}
	if v, ok := p.Get("maxAllowedPackets"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "maxAllowedPackets")
		}
		cfg.MaxAllowedPacket = n
	}

	if v, ok := p.Get("outputKind"); ok {
		k, err := ParseOutputKind(v)
		if err != nil {
			return nil, err
		}
		cfg.Kind = k
	} else {
		// Legacy switches; the database switch wins when both are set.
		switch {
		case isTrue(p, "outputDatabase"):
			cfg.Kind = OutputDatabase
		case isTrue(p, "outputDatafile"):
			cfg.Kind = OutputDatafile
		}
	}
	return cfg, nil
}

func isTrue(p *properties.Properties, key string) bool {
	v, ok := p.Get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// finish applies defaults, validates required fields and resolves the output
// directory relative to cfgDir.
func (c *Config) finish(cfgDir string) error {
	if c.Kind == "" {
		c.Kind = OutputSQL
	}
	if c.Charset == "" {
		c.Charset = DefaultCharset
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxAllowedPacket == 0 {
		c.MaxAllowedPacket = DefaultMaxAllowedPacket
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.DelayMS == 0 {
		c.Retry.DelayMS = DefaultRetryDelayMS
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Output != "" {
		out := c.Output
		if !filepath.IsAbs(out) {
			out = filepath.Join(cfgDir, out)
		}
		if fi, err := os.Stat(out); err == nil && fi.IsDir() {
			c.OutputDir = out
		} else {
			c.OutputDir = filepath.Dir(out)
		}
	}
	return nil
}

// Validate reports the first missing or invalid field as a Config error.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return indexerr.Errorf(indexerr.Config, "validate", format, args...)
	}

	// The revision store is always read from the database.
	if c.Host == "" {
		return fail("host is required")
	}
	if c.Database == "" {
		return fail("db is required")
	}
	if c.User == "" {
		return fail("user is required")
	}

	switch c.Kind {
	case OutputSQL, OutputDatafile:
		if c.Output == "" {
			return fail("output is required when output kind is %s", c.Kind)
		}
	case OutputDatabase:
	default:
		return fail("unsupported output kind: %q", c.Kind)
	}

	if c.BufferSize < 1 {
		return fail("buffer must be positive, got %d", c.BufferSize)
	}
	if c.MaxAllowedPacket < 1024 {
		return fail("maxAllowedPackets must be at least 1024, got %d", c.MaxAllowedPacket)
	}
	if c.Retry.Attempts < 1 {
		return fail("retry attempts must be positive, got %d", c.Retry.Attempts)
	}
	return nil
}
