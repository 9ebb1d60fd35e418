// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg holds the restore pass's flag-bound configuration, laid
// out as a tree of YAML-tagged structs the way the teacher's generated
// mount config is, but hand-written since this module's flag surface
// is small enough not to need a generator.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	RestorePass RestorePassConfig `yaml:"restore-pass"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`

	Metrics MetricsConfig `yaml:"metrics"`

	Foreground bool `yaml:"foreground"`
}

// RestorePassConfig controls where image streams come from and how the
// shared descriptor registry and transport sockets are sized/named.
type RestorePassConfig struct {
	ImageDir string `yaml:"image-dir"`

	GCSImageBucket string `yaml:"gcs-image-bucket"`

	RegistryCapacity int `yaml:"registry-capacity"`

	BucketCount int `yaml:"bucket-count"`

	AbstractSocketPrefix string `yaml:"abstract-socket-prefix"`
}

type LoggingConfig struct {
	Severity string `yaml:"severity"`

	Format string `yaml:"format"`

	FilePath string `yaml:"file-path"`

	MaxSizeMB int `yaml:"max-size-mb"`

	Backups int `yaml:"backups"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	PrometheusPort int `yaml:"prometheus-port"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("image-dir", "", "", "Directory holding the descriptor and per-process image streams to restore from.")
	if err = viper.BindPFlag("restore-pass.image-dir", flagSet.Lookup("image-dir")); err != nil {
		return err
	}

	flagSet.StringP("gcs-image-bucket", "", "", "GCS bucket to pull the image streams from before restoring, instead of --image-dir.")
	if err = viper.BindPFlag("restore-pass.gcs-image-bucket", flagSet.Lookup("gcs-image-bucket")); err != nil {
		return err
	}

	flagSet.IntP("registry-capacity", "", 4096, "Maximum number of descriptor entries the shared registry can hold across all restored processes.")
	if err = viper.BindPFlag("restore-pass.registry-capacity", flagSet.Lookup("registry-capacity")); err != nil {
		return err
	}

	flagSet.IntP("bucket-count", "", 64, "Hash bucket count for the in-memory description table.")
	if err = viper.BindPFlag("restore-pass.bucket-count", flagSet.Lookup("bucket-count")); err != nil {
		return err
	}

	flagSet.StringP("abstract-socket-prefix", "", "fdrestore", "Prefix used to namespace this restore pass's abstract AF_UNIX transport addresses.")
	if err = viper.BindPFlag("restore-pass.abstract-socket-prefix", flagSet.Lookup("abstract-socket-prefix")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum log severity emitted: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log handler format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to write logs to. Empty means stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.IntP("log-max-size-mb", "", 100, "Maximum size in megabytes of a log file before it gets rotated.")
	if err = viper.BindPFlag("logging.max-size-mb", flagSet.Lookup("log-max-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("log-backups", "", 5, "Number of rotated log files to retain.")
	if err = viper.BindPFlag("logging.backups", flagSet.Lookup("log-backups")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Panic when an internal restore invariant is violated instead of only logging it.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	flagSet.BoolP("debug-mutex", "", false, "Print a debug message on each acquisition and release of the restore driver's mutex.")
	if err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-mutex")); err != nil {
		return err
	}

	flagSet.BoolP("metrics-enabled", "", false, "Serve the Prometheus default registry on --metrics-port; restore counters recorded by worker processes are not exported there.")
	if err = viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics-enabled")); err != nil {
		return err
	}

	flagSet.IntP("metrics-port", "", 9090, "Port to serve the Prometheus metrics endpoint on when --metrics-enabled is set.")
	if err = viper.BindPFlag("metrics.prometheus-port", flagSet.Lookup("metrics-port")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "f", false, "Run the restore pass in the foreground instead of daemonizing.")
	if err = viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	return nil
}
