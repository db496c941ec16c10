/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the main entry point
var RootCmd = &cobra.Command{
	Use:   "ptpd",
	Short: "IEEE 1588 PTP clock",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return ConfigureVerbosity()
	},
	SilenceUsage: true,
}

var rootLogLevelFlag string

func init() {
	RootCmd.PersistentFlags().StringVar(&rootLogLevelFlag, "loglevel", "info", "log level: trace, debug, info, warning, error")
}

// ConfigureVerbosity sets the log level from flags
func ConfigureVerbosity() error {
	lvl, err := log.ParseLevel(rootLogLevelFlag)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
