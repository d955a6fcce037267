package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-ini/ini"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/logsanitizer/internal/sanitize"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no logsanitizer config file found")

// LegacyFile is the INI file name used by older installs.
const LegacyFile = "config.cfg"

// Config is the parsed logsanitizer configuration.
type Config struct {
	// Namespaces whose pods are collected.
	Namespaces []string `yaml:"namespaces" toml:"namespaces" json:"namespaces"`

	// Regexes are applied to every line in order.
	Regexes []sanitize.Rule `yaml:"regexes" toml:"regexes" json:"regexes"`

	// UID and GID own the zip archive when --chown is given. -1 keeps the current owner.
	UID *int `yaml:"uid" toml:"uid" json:"uid"`
	GID *int `yaml:"gid" toml:"gid" json:"gid"`

	// Source is the orchestrator client: "oc" (default) or "kubectl".
	Source string `yaml:"source" toml:"source" json:"source"`

	// Upload configures archive upload to S3-compatible storage. Optional.
	Upload *Upload `yaml:"upload" toml:"upload" json:"upload"`

	// Ledger is the SQLite file runs are recorded in. Optional.
	Ledger string `yaml:"ledger" toml:"ledger" json:"ledger"`
}

// Upload is the S3-compatible bucket archives are uploaded to.
type Upload struct {
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
}

type parser func([]byte, *Config) error

var candidates = []struct {
	name   string
	parser parser
}{
	{".logsanitizer.yaml", parseYAML},
	{".logsanitizer.yml", parseYAML},
	{".logsanitizer.toml", parseTOML},
	{".logsanitizer.json", parseJSON},
	{LegacyFile, parseINI},
}

// Load finds and parses a config file in dir.
func Load(dir string) (*Config, string, error) {
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		cfg, err := parse(data, c.parser)
		if err != nil {
			return nil, c.name, fmt.Errorf("%s: %w", c.name, err)
		}
		return cfg, path, nil
	}

	return nil, "", ErrNoConfig
}

// LoadFile parses an explicit config file. The format follows the extension;
// anything that isn't yaml, toml or json is read as INI.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var p parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p = parseYAML
	case ".toml":
		p = parseTOML
	case ".json":
		p = parseJSON
	default:
		p = parseINI
	}

	cfg, err := parse(data, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func parse(data []byte, p parser) (*Config, error) {
	var cfg Config
	if err := p(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// parseINI reads the legacy format: a [DEFAULT] section whose values are JSON.
//
//	[DEFAULT]
//	namespaces = ["default", "openshift-ingress"]
//	regexes = [{"pattern": "password=\\S+", "replace": "password=***"}]
//	uid = 1000
//	gid = 1000
func parseINI(data []byte, cfg *Config) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:           true,
		AllowPythonMultilineValues: true,
		IgnoreInlineComment:        true,
	}, data)
	if err != nil {
		return err
	}
	sec := f.Section(ini.DefaultSection)

	fields := []struct {
		key string
		dst any
	}{
		{"namespaces", &cfg.Namespaces},
		{"regexes", &cfg.Regexes},
		{"uid", &cfg.UID},
		{"gid", &cfg.GID},
	}
	for _, fld := range fields {
		if !sec.HasKey(fld.key) {
			continue
		}
		if err := json.Unmarshal([]byte(sec.Key(fld.key).String()), fld.dst); err != nil {
			return fmt.Errorf("key %s: %w", fld.key, err)
		}
	}
	for i := range cfg.Regexes {
		cfg.Regexes[i].Legacy = true
	}

	if sec.HasKey("source") {
		cfg.Source = sec.Key("source").String()
	}
	if sec.HasKey("ledger") {
		cfg.Ledger = sec.Key("ledger").String()
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOGSANITIZER_LEDGER"); v != "" {
		c.Ledger = v
	}
	if c.Upload == nil {
		return
	}
	if v := os.Getenv("LOGSANITIZER_UPLOAD_ACCESS_KEY_ID"); v != "" {
		c.Upload.AccessKeyID = v
	}
	if v := os.Getenv("LOGSANITIZER_UPLOAD_SECRET_ACCESS_KEY"); v != "" {
		c.Upload.SecretAccessKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Source == "" {
		c.Source = "oc"
	}
	if c.Upload != nil && c.Upload.Region == "" {
		c.Upload.Region = "auto"
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	switch c.Source {
	case "oc", "kubectl":
	default:
		return fmt.Errorf("source %q: want oc or kubectl", c.Source)
	}

	for i, r := range c.Regexes {
		if r.Pattern == "" {
			return fmt.Errorf("regexes[%d]: pattern is required", i)
		}
	}

	if c.Upload != nil && c.Upload.Bucket == "" {
		return errors.New("upload: bucket is required")
	}

	return nil
}

// Owner returns the uid and gid for chown, -1 for unset values.
func (c *Config) Owner() (uid, gid int) {
	uid, gid = -1, -1
	if c.UID != nil {
		uid = *c.UID
	}
	if c.GID != nil {
		gid = *c.GID
	}
	return uid, gid
}

// ParseNamespaces splits a comma separated namespace list, e.g. "kube-public, kube-system".
func ParseNamespaces(s string) []string {
	var out []string
	for _, ns := range strings.Split(s, ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}
