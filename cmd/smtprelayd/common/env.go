/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// DefaultEnvConfigFile is the env config file read by
	// ApplyFlagsFromEnvFile. Multiple files can be given, separated by colon.
	DefaultEnvConfigFile = os.Getenv("SMTPRELAYD_DEFAULT_ENV_CONFIG")
)

// ApplyFlagsFromEnvFile sets all flags of cmd which were not given on the
// command line from DefaultEnvConfigFile. The mapping maps flag names to env
// names, an empty env name is derived from the flag name. A nil mapping maps
// all flags.
func ApplyFlagsFromEnvFile(cmd *cobra.Command, mapping map[string]string) error {
	if DefaultEnvConfigFile == "" {
		return nil
	}

	var envConfigFiles []string
	for _, fn := range strings.Split(DefaultEnvConfigFile, ":") {
		envConfigFile, err := filepath.Abs(fn)
		if err != nil {
			return fmt.Errorf("invalid config path: %w", err)
		}
		envConfigFiles = append(envConfigFiles, envConfigFile)
	}

	envConfig, err := godotenv.Read(envConfigFiles...)
	if err != nil {
		return fmt.Errorf("config read error: %w", err)
	}

	return applyEnvConfig(cmd.Flags(), envConfig, mapping)
}

func applyEnvConfig(flags *pflag.FlagSet, envConfig map[string]string, mapping map[string]string) error {
	if mapping == nil {
		mapping = make(map[string]string)
		flags.VisitAll(func(flag *pflag.Flag) {
			if flag.Changed || flag.Name == "help" || flag.Name == "config" {
				// Ignore flags which are set already or are on black list.
				return
			}
			mapping[flag.Name] = ""
		})
	}

	for flagName, envName := range mapping {
		flag := flags.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("unknown flag in config mapping: %v", flagName)
		}
		if flag.Changed {
			continue
		}

		sliceValue, isSlice := flag.Value.(pflag.SliceValue)
		if envName == "" {
			envName = EnvName(flagName, isSlice)
		}

		value, ok := envConfig[envName]
		if !ok {
			continue
		}
		if isSlice {
			err := sliceValue.Replace(strings.Fields(value))
			if err != nil {
				return fmt.Errorf("failed to apply %v config: %w", envName, err)
			}
			continue
		}
		if err := flag.Value.Set(value); err != nil {
			return fmt.Errorf("failed to apply %v config: %w", envName, err)
		}
	}

	return nil
}

// EnvName returns the env config name of a flag, all - replaced by _ and
// with a trailing s for list flags.
func EnvName(flagName string, isSlice bool) string {
	envName := strings.ReplaceAll(flagName, "-", "_")
	if isSlice {
		envName += "s"
	}
	return envName
}
