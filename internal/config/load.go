package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. COLDKEEPER_VAULT_NAME.
	EnvPrefix = "COLDKEEPER"
	// DefaultFile is read when no configuration file is given. A missing
	// default file is not an error.
	DefaultFile = "config.txt"
)

// Load builds a Config from, in increasing precedence: defaults, the
// configuration file at path and COLDKEEPER_* environment variables. Keys are
// case-insensitive. Files ending in .txt are read as JSON; other extensions
// use the matching viper format.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := path
	if file == "" {
		file = DefaultFile
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			file = ""
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if ext := strings.ToLower(filepath.Ext(file)); ext == ".txt" || ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read configuration %s: %w", file, err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"root":                  c.Root,
		"vault_name":            c.VaultName,
		"file_filter":           c.FileFilter,
		"aws_access_key_id":     c.AWSAccessKeyID,
		"aws_secret_access_key": c.AWSSecretAccessKey,
		"region":                c.Region,
		"backend":               c.Backend,
		"s3_bucket":             c.S3Bucket,
		"s3_prefix":             c.S3Prefix,
		"s3_endpoint":           c.S3Endpoint,
		"cache_path":            c.CachePath,
		"job_id_path":           c.JobIDPath,
		"poll_interval":         c.PollInterval,
		"retry_delay":           c.RetryDelay,
		"metrics_file":          c.MetricsFile,
		"verbosity":             c.Verbosity,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook reads a plain number given for a duration as seconds:
// 600 and "600" both mean ten minutes. Values that already are durations and
// strings with a unit ("10m") are left to the other hooks.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}

		v := reflect.ValueOf(data)
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Second)), nil
		case reflect.String:
			if secs, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}
