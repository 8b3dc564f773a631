// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads gmail-clean settings from a YAML file, a .env
// file, and GMAIL_CLEAN_* environment variables, in that order.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mwilczynska/gmail-clean-and-backup/internal/backup"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/homedir"
	"github.com/mwilczynska/gmail-clean-and-backup/internal/units"
)

// Dir is the default home for every file gmail-clean keeps.
const Dir = "~/.gmail-clean"

const envPrefix = "GMAIL_CLEAN_"

// Size is a byte count written either as a number or as "100KB".
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := units.ParseSize(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.HumanSize(int64(s))
}

type Config struct {
	// Gmail address.  Empty means ask the Gmail API whose token it is.
	Email string `yaml:"email"`

	IMAP       IMAP       `yaml:"imap"`
	Auth       Auth       `yaml:"auth"`
	Backup     Backup     `yaml:"backup"`
	Processing Processing `yaml:"processing"`
	Safety     Safety     `yaml:"safety"`
	Search     Search     `yaml:"search"`
	Log        Log        `yaml:"log"`
}

type IMAP struct {
	Addr           string        `yaml:"addr"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Throttle       time.Duration `yaml:"throttle"`
}

type Auth struct {
	// OAuth client secrets downloaded from the Google Cloud console.
	CredentialsFile string `yaml:"credentials_file"`

	TokenFile string `yaml:"token_file"`

	// If set, bearer tokens come from running this program with the
	// user and scope as arguments instead of from TokenFile.
	TokenCommand string `yaml:"token_command"`
}

type Backup struct {
	Directory  string `yaml:"directory"`
	OrganizeBy string `yaml:"organize_by"`

	// Re-hash saved attachments right before the mailbox is changed.
	Verify bool `yaml:"verify"`

	// Append each original to a monthly mbox file before trashing it.
	ArchiveOriginals bool   `yaml:"archive_originals"`
	ArchiveDirectory string `yaml:"archive_directory"`
}

type Processing struct {
	DryRun               bool   `yaml:"dry_run"`
	BatchSize            int    `yaml:"batch_size"`
	SkipEncrypted        bool   `yaml:"skip_encrypted"`
	PreserveInlineImages bool   `yaml:"preserve_inline_images"`
	MinAttachmentSize    Size   `yaml:"min_attachment_size"`
	PlaceholderTemplate  string `yaml:"placeholder_template"`
}

type Safety struct {
	KeepTrashDays       int    `yaml:"keep_trash_days"`
	RequireConfirmation bool   `yaml:"require_confirmation"`
	TransactionLog      string `yaml:"transaction_log"`
	Manifest            string `yaml:"manifest"`
}

// Search holds default scan filters.  Dates use units.ParseDate.
type Search struct {
	Before        string   `yaml:"before_date"`
	After         string   `yaml:"after_date"`
	From          string   `yaml:"from"`
	Labels        []string `yaml:"labels"`
	ExcludeLabels []string `yaml:"exclude_labels"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		IMAP: IMAP{
			Addr:       "imap.gmail.com:993",
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Auth: Auth{
			CredentialsFile: filepath.Join(Dir, "credentials.json"),
			TokenFile:       filepath.Join(Dir, "token.json"),
		},
		Backup: Backup{
			Directory:        filepath.Join(Dir, "backups"),
			OrganizeBy:       string(backup.ByType),
			Verify:           true,
			ArchiveDirectory: filepath.Join(Dir, "archive"),
		},
		Processing: Processing{
			DryRun:               true,
			BatchSize:            50,
			SkipEncrypted:        true,
			PreserveInlineImages: true,
			MinAttachmentSize:    100 * units.KiB,
		},
		Safety: Safety{
			KeepTrashDays:       30,
			RequireConfirmation: true,
			TransactionLog:      filepath.Join(Dir, "logs", "transactions.jsonl"),
			Manifest:            filepath.Join(Dir, "manifest.db"),
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	return filepath.Join(Dir, "config.yaml")
}

// LoadDotEnv adds variables from a .env file in the working directory
// to the environment.  A missing file is not an error.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "loading .env")
	}
	return nil
}

// Load reads path over the defaults and then applies environment
// overrides.  An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()
	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	switch {
	case err == nil:
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", p)
		}
	case optional && os.IsNotExist(err):
	default:
		return nil, errors.Wrap(err, "reading config")
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from GMAIL_CLEAN_* variables found by
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"EMAIL":            &c.Email,
		"IMAP_ADDR":        &c.IMAP.Addr,
		"CREDENTIALS_FILE": &c.Auth.CredentialsFile,
		"TOKEN_FILE":       &c.Auth.TokenFile,
		"TOKEN_COMMAND":    &c.Auth.TokenCommand,
		"BACKUP_DIR":       &c.Backup.Directory,
		"ORGANIZE_BY":      &c.Backup.OrganizeBy,
		"TRANSACTION_LOG":  &c.Safety.TransactionLog,
		"MANIFEST":         &c.Safety.Manifest,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"LOG_FILE":         &c.Log.File,
	}
	for k, p := range str {
		if v, ok := lookup(envPrefix + k); ok {
			*p = v
		}
	}
	if v, ok := lookup(envPrefix + "MIN_SIZE"); ok {
		n, err := units.ParseSize(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"MIN_SIZE")
		}
		c.Processing.MinAttachmentSize = Size(n)
	}
	if v, ok := lookup(envPrefix + "BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"BATCH_SIZE")
		}
		c.Processing.BatchSize = n
	}
	if v, ok := lookup(envPrefix + "DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"DRY_RUN")
		}
		c.Processing.DryRun = b
	}
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Auth.CredentialsFile,
		&c.Auth.TokenFile,
		&c.Backup.Directory,
		&c.Backup.ArchiveDirectory,
		&c.Safety.TransactionLog,
		&c.Safety.Manifest,
		&c.Processing.PlaceholderTemplate,
		&c.Log.File,
	} {
		e, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = e
	}
	return nil
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var issues []string
	if _, err := backup.ParseOrganization(c.Backup.OrganizeBy); err != nil {
		issues = append(issues, "invalid backup.organize_by: "+c.Backup.OrganizeBy)
	}
	if c.Processing.BatchSize <= 0 {
		issues = append(issues, "processing.batch_size must be positive")
	}
	if c.Processing.MinAttachmentSize < 0 {
		issues = append(issues, "processing.min_attachment_size must not be negative")
	}
	if c.Safety.KeepTrashDays < 0 {
		issues = append(issues, "safety.keep_trash_days must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		issues = append(issues, "invalid log.level: "+c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		issues = append(issues, "invalid log.format: "+c.Log.Format)
	}
	for _, d := range []struct{ name, value string }{
		{"search.before_date", c.Search.Before},
		{"search.after_date", c.Search.After},
	} {
		if d.value == "" {
			continue
		}
		if _, err := units.ParseDate(d.value, time.Now()); err != nil {
			issues = append(issues, "invalid "+d.name+": "+d.value)
		}
	}
	if len(issues) > 0 {
		return errors.New("invalid configuration: " + strings.Join(issues, "; "))
	}
	return nil
}
