// Package config holds the settings of a backup run.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/dmitrijs2005/coldkeeper/internal/scanner"
)

// MinPollInterval bounds how often a pending inventory job is queried.
const MinPollInterval = time.Second

// Backends.
const (
	BackendGlacier = "glacier"
	BackendS3      = "s3"
)

// Config holds runtime settings for coldkeeper.
//
// Fields:
//   - Root: directory to back up; made absolute, trailing separators stripped.
//   - VaultName: Glacier vault receiving the archives.
//   - FileFilter: regular expression matched at the start of absolute paths;
//     matching files are not backed up.
//   - Backend: "glacier" or "s3". The s3 backend stores archives as objects
//     in S3Bucket under S3Prefix, optionally on S3Endpoint (MinIO).
//   - CachePath, JobIDPath: local state files.
//   - PollInterval: wait between inventory job status queries, at least
//     MinPollInterval. Plain numbers are seconds.
//   - RetryDelay: wait between upload attempts. Plain numbers are seconds.
//   - MetricsFile: optional Prometheus textfile written after each run.
type Config struct {
	Root               string        `mapstructure:"root"`
	VaultName          string        `mapstructure:"vault_name"`
	FileFilter         string        `mapstructure:"file_filter"`
	AWSAccessKeyID     string        `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string        `mapstructure:"aws_secret_access_key"`
	Region             string        `mapstructure:"region"`
	Backend            string        `mapstructure:"backend"`
	S3Bucket           string        `mapstructure:"s3_bucket"`
	S3Prefix           string        `mapstructure:"s3_prefix"`
	S3Endpoint         string        `mapstructure:"s3_endpoint"`
	CachePath          string        `mapstructure:"cache_path"`
	JobIDPath          string        `mapstructure:"job_id_path"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MetricsFile        string        `mapstructure:"metrics_file"`
	Verbosity          int           `mapstructure:"verbosity"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.Backend = BackendGlacier
	c.CachePath = "glacier.db"
	c.JobIDPath = "glacier_inventory_job_id.txt"
	c.PollInterval = 600 * time.Second
	c.RetryDelay = 5 * time.Second
}

// Normalize expands "~" in paths and makes Root absolute without trailing
// separators, so the file filter always sees absolute paths.
func (c *Config) Normalize() error {
	for _, p := range []*string{&c.Root, &c.CachePath, &c.JobIDPath, &c.MetricsFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}

	for len(c.Root) > 1 && strings.HasSuffix(c.Root, string(filepath.Separator)) {
		c.Root = strings.TrimSuffix(c.Root, string(filepath.Separator))
	}
	if c.Root != "" {
		abs, err := filepath.Abs(c.Root)
		if err != nil {
			return fmt.Errorf("resolve root %q: %w", c.Root, err)
		}
		c.Root = abs
	}
	c.Backend = strings.ToLower(c.Backend)
	return nil
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	switch c.Backend {
	case BackendGlacier:
		if c.VaultName == "" {
			errs = append(errs, errors.New("vault_name is required for the glacier backend"))
		}
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3_bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := scanner.CompileExclude(c.FileFilter); err != nil {
		errs = append(errs, err)
	}
	if c.CachePath == "" {
		errs = append(errs, errors.New("cache_path is required"))
	}
	if c.JobIDPath == "" {
		errs = append(errs, errors.New("job_id_path is required"))
	}
	if c.PollInterval < MinPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval must be at least %s", MinPollInterval))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry_delay must be positive"))
	}

	return errors.Join(errs...)
}
