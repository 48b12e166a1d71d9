// Copyright 2026 definer-bugbash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/logger"
)

type rootOptions struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "bugbash",
		Short:         "SQL SECURITY DEFINER bug-bash harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			level := os.Getenv("LOG_LEVEL")
			if level == "" {
				level = "info"
			}
			return logger.InitGlobalLogger(level, os.Getenv("LOG_FILE"))
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(
		newRunCmd(),
		newJobCmd(),
		newMergeCmd(),
		newListCmd(),
		newCancelCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		zap.L().Error("bugbash failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
	}
	_ = zap.L().Sync()
	os.Exit(exitCode(err))
}

// stopOnSignal calls stop on the first SIGINT or SIGTERM and abort on the
// second. The returned func releases the signal handler.
func stopOnSignal(stop, abort func()) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		zap.L().Warn("got signal, finishing in-flight work", zap.String("signal", sig.String()))
		stop()
		if sig, ok = <-sigs; ok {
			zap.L().Warn("got second signal, aborting", zap.String("signal", sig.String()))
			abort()
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(sigs)
	}
}
