package main

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func addLoggerFlags(flags *pflag.FlagSet) {
	flags.Int("log-verbosity", 0, "log verbosity. Higher value means more log")
	flags.String("log-file", "", "output logs to specified file")
}

// setupLogger builds the process logger from the logger flags. verbosity
// comes from config so LOG_VERBOSITY works as well as the flag.
func setupLogger(cmd *cobra.Command, verbosity int) (logger logr.Logger, cleanup func(), err error) {
	logFile, err := cmd.Flags().GetString("log-file")
	if err != nil {
		return logr.Discard(), nil, err
	}
	var std stdr.StdLogger
	cleanup = func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return logr.Discard(), nil, err
		}
		std = log.New(f, "", log.LstdFlags)
		cleanup = func() { f.Close() }
	} else {
		std = log.New(cmd.OutOrStdout(), "", log.LstdFlags)
	}
	stdr.SetVerbosity(verbosity)
	return stdr.New(std).WithName("roster"), cleanup, nil
}
