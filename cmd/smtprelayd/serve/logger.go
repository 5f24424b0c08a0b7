/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func newLogger(disableTimestamp bool, logLevelString string) (*logrus.Logger, error) {
	return newLoggerWithOutput(os.Stderr, disableTimestamp, logLevelString)
}

func newLoggerWithOutput(out io.Writer, disableTimestamp bool, logLevelString string) (*logrus.Logger, error) {
	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: disableTimestamp,
		FullTimestamp:    true,
	})

	return logger, nil
}
