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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chkpt-project/fdrestore/cfg"
	"github.com/chkpt-project/fdrestore/internal/fd/locker"
	"github.com/chkpt-project/fdrestore/internal/logger"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// RestoreConfig holds the flag/config-file-merged settings for the
	// restore pass this process invocation is running or daemonizing.
	RestoreConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "fdrestore",
	Short: "Restore file descriptors from a checkpoint image",
	Long: `fdrestore replays the descriptor tables of a set of checkpointed
processes: it reopens the regular files they had open, re-establishes
shared-description relationships across process boundaries via
abstract AF_UNIX sockets, and lands each descriptor back at its
original numbered slot.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		if err := cfg.Rationalize(&RestoreConfig); err != nil {
			return err
		}

		logger.SetLogFormat(RestoreConfig.Logging.Format)
		logger.SetLoggingLevel(RestoreConfig.Logging.Severity)

		// Worker invocations are exec'd by runOrchestrator itself, with
		// the pid/groups/salt env vars already set; they skip
		// validation and daemonization entirely and go straight to the
		// three-phase state machine for their one assigned pid.
		if _, ok := os.LookupEnv(workerPIDEnvVar); ok {
			return runWorker(&RestoreConfig)
		}

		if err := cfg.Validate(&RestoreConfig); err != nil {
			return err
		}

		if RestoreConfig.Debug.ExitOnInvariantViolation {
			locker.EnableInvariantsCheck()
		}
		if RestoreConfig.Debug.LogMutex {
			locker.EnableDebugMessages()
		}

		if RestoreConfig.Foreground {
			if RestoreConfig.Logging.FilePath != "" {
				if err := logger.InitLogFile(RestoreConfig.Logging.FilePath, RestoreConfig.Logging.MaxSizeMB, RestoreConfig.Logging.Backups); err != nil {
					return fmt.Errorf("init log file: %w", err)
				}
			}
			err := runOrchestrator(&RestoreConfig)
			// A daemonized child reports its outcome to the waiting parent
			// over the status pipe; in a plain foreground run there is no
			// such pipe and the returned error is ignored.
			_ = daemonize.SignalOutcome(err)
			return err
		}

		return daemonizeRestorePass()
	},
}

// daemonizeRestorePass re-execs this binary with --foreground set and
// the same arguments otherwise, exactly as gcsfuse daemonizes a mount:
// the parent waits for the child to report success or failure over the
// daemonize status pipe, then exits with that outcome.
func daemonizeRestorePass() error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
	}
	if p, ok := os.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS"); ok {
		env = append(env, fmt.Sprintf("GOOGLE_APPLICATION_CREDENTIALS=%s", p))
	}
	if wd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("PWD=%s", wd))
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof("restore pass started in the background")
	return nil
}

func Execute() {
	defer reportCrash()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// reportCrash writes a panicking goroutine's stack trace to a crash
// log file before letting the panic continue to unwind and terminate
// the process. A daemonized worker's stderr isn't attached to a
// terminal, so without this a panic during restore would otherwise
// vanish with the exec'd process.
func reportCrash() {
	r := recover()
	if r == nil {
		return
	}

	w := &CrashWriter{fileName: crashLogPath()}
	fmt.Fprintf(w, "fdrestore pid=%d panic: %v\n%s", os.Getpid(), r, debug.Stack())
	panic(r)
}

func crashLogPath() string {
	if RestoreConfig.Logging.FilePath != "" {
		return RestoreConfig.Logging.FilePath + ".crash"
	}
	return filepath.Join(os.TempDir(), "fdrestore.crash")
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file overriding flag defaults.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&RestoreConfig)
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&RestoreConfig)
}
