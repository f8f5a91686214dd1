package hvault

import (
	"github.com/btcsuite/btclog"
	"github.com/hiveledger/hvault/build"
	"github.com/hiveledger/hvault/credstore"
	"github.com/hiveledger/hvault/unlock"
	"github.com/hiveledger/hvault/vault"
)

// SetupLoggers initializes all package-global logger variables of the vault
// packages, writing to the given root logger.
func SetupLoggers(root *build.RotatingLogWriter) {
	AddSubLogger(root, vault.Subsystem, vault.UseLogger)
	AddSubLogger(root, unlock.Subsystem, unlock.UseLogger)
	AddSubLogger(root, credstore.Subsystem, credstore.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// InitLogging opens the rotating log file of the config, wires every
// subsystem logger to it and applies the configured debug level. The
// returned writer must be closed on exit to flush the log.
func InitLogging(cfg *Config,
	extra map[string]func(btclog.Logger)) (*build.RotatingLogWriter,
	error) {

	root := build.NewRotatingLogWriter()
	SetupLoggers(root)
	for subsystem, useLogger := range extra {
		AddSubLogger(root, subsystem, useLogger)
	}

	err := root.InitLogRotator(cfg.LogFile, cfg.LogFilePath())
	if err != nil {
		return nil, err
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = root.Close()
		return nil, err
	}

	return root, nil
}
