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

package cfg

import (
	"fmt"
	"path/filepath"
)

var validSeverities = map[string]bool{
	"TRACE": true, "DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "OFF": true,
}

// Rationalize resolves relative paths and fills in values that flag
// defaults can't express directly (an absolute image dir, mostly),
// mirroring the teacher's cmd-level path canonicalization that runs
// once after flags and config file are merged, before validation.
func Rationalize(c *Config) error {
	if c.RestorePass.ImageDir != "" {
		abs, err := filepath.Abs(c.RestorePass.ImageDir)
		if err != nil {
			return fmt.Errorf("resolving image-dir: %w", err)
		}
		c.RestorePass.ImageDir = abs
	}
	if c.Logging.FilePath != "" {
		abs, err := filepath.Abs(c.Logging.FilePath)
		if err != nil {
			return fmt.Errorf("resolving log-file: %w", err)
		}
		c.Logging.FilePath = abs
	}
	return nil
}

// Validate rejects flag/config combinations that Rationalize can't fix
// up on its own.
func Validate(c *Config) error {
	if c.RestorePass.ImageDir == "" && c.RestorePass.GCSImageBucket == "" {
		return fmt.Errorf("one of --image-dir or --gcs-image-bucket is required")
	}
	if c.RestorePass.ImageDir != "" && c.RestorePass.GCSImageBucket != "" {
		return fmt.Errorf("--image-dir and --gcs-image-bucket are mutually exclusive")
	}
	if c.RestorePass.RegistryCapacity <= 0 {
		return fmt.Errorf("registry-capacity must be positive, got %d", c.RestorePass.RegistryCapacity)
	}
	if c.RestorePass.BucketCount <= 0 {
		return fmt.Errorf("bucket-count must be positive, got %d", c.RestorePass.BucketCount)
	}
	if c.RestorePass.AbstractSocketPrefix == "" {
		return fmt.Errorf("abstract-socket-prefix must not be empty")
	}
	if !validSeverities[c.Logging.Severity] {
		return fmt.Errorf("invalid log-severity %q", c.Logging.Severity)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log-format %q, want text or json", c.Logging.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.PrometheusPort <= 0 || c.Metrics.PrometheusPort > 65535) {
		return fmt.Errorf("metrics-port %d out of range", c.Metrics.PrometheusPort)
	}
	return nil
}
