// Package hvault holds the configuration and logging setup shared by the
// hvault command line tools.
package hvault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/hiveledger/hvault/build"
	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/vault"
	flags "github.com/jessevdk/go-flags"
)

const (
	// DefaultConfigFilename is the name of the config file looked up in
	// the wallet dir.
	DefaultConfigFilename = "hvault.conf"

	// DefaultLogFilename is the name of the log file.
	DefaultLogFilename = "hvcli.log"

	defaultLogDirname = "logs"
	defaultLogLevel   = "info"
)

var (
	// DefaultWalletDir is the default directory holding the vault, the
	// config file and the logs.
	DefaultWalletDir = appDataDir("hvault")

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultWalletDir, DefaultConfigFilename,
	)

	// addressPrefixPattern matches the allowed public key prefixes.
	addressPrefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)
)

// KeyringConfig holds the OS credential store options.
//
//nolint:lll
type KeyringConfig struct {
	Service string `long:"service" description:"The service name under which keys without a PIN are stored in the OS keyring"`
	Disable bool   `long:"disable" description:"Never use the OS keyring, every key must then be protected by a PIN"`
}

// ScryptConfig holds the work parameters used to stretch PINs.
//
//nolint:lll
type ScryptConfig struct {
	N int `long:"n" description:"scrypt CPU/memory cost of newly encrypted keys, a power of two"`
	R int `long:"r" description:"scrypt block size of newly encrypted keys"`
	P int `long:"p" description:"scrypt parallelism of newly encrypted keys"`
}

// Config defines the configuration options for hvcli.
//
//nolint:lll
type Config struct {
	WalletDir  string `long:"walletdir" description:"The base directory that contains the vault, the config file and the logs"`
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	VaultFile  string `long:"vaultfile" description:"Path to the vault file, defaults to vault.json in the wallet dir"`
	LogDir     string `long:"logdir" description:"Directory to log output, defaults to logs in the wallet dir"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	AddressPrefix string `long:"addressprefix" description:"Prefix of the public keys of the ledger"`

	LogFile *build.FileLoggerConfig `group:"Log file options"`

	Keyring *KeyringConfig `group:"keyring" namespace:"keyring"`

	Scrypt *ScryptConfig `group:"scrypt" namespace:"scrypt"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		WalletDir:     DefaultWalletDir,
		ConfigFile:    DefaultConfigFile,
		DebugLevel:    defaultLogLevel,
		AddressPrefix: keychain.DefaultAddressPrefix,
		LogFile:       build.DefaultFileLoggerConfig(),
		Keyring: &KeyringConfig{
			Service: vault.DefaultCredService,
		},
		Scrypt: &ScryptConfig{
			N: vault.DefaultScryptParams.N,
			R: vault.DefaultScryptParams.R,
			P: vault.DefaultScryptParams.P,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with the given config, holding the defaults and the wallet dir
//     and config file given on the command line
//  2. Load configuration file overwriting defaults with any specified
//     options
//  3. Apply the remaining command line options through override, so they
//     take precedence
//
// A missing config file is not an error.
func LoadConfig(preCfg Config, override func(*Config) error) (*Config,
	error) {

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their wallet dir, then we should assume they intend to use
	// the config file within it.
	walletDir := CleanAndExpandPath(preCfg.WalletDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if walletDir != DefaultWalletDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			walletDir, DefaultConfigFilename,
		)
	}

	cfg := preCfg
	cfg.ConfigFile = configFilePath
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if override != nil {
		if err := override(&cfg); err != nil {
			return nil, err
		}
	}

	return ValidateConfig(cfg)
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	cfg.WalletDir = CleanAndExpandPath(cfg.WalletDir)
	cfg.ConfigFile = CleanAndExpandPath(cfg.ConfigFile)

	if cfg.VaultFile == "" {
		cfg.VaultFile = filepath.Join(
			cfg.WalletDir, vault.DefaultFileName,
		)
	}
	cfg.VaultFile = CleanAndExpandPath(cfg.VaultFile)

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.WalletDir, defaultLogDirname)
	}
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	if !addressPrefixPattern.MatchString(cfg.AddressPrefix) {
		return nil, fmt.Errorf("invalid address prefix %q, must be 1 "+
			"to 8 upper case letters or digits", cfg.AddressPrefix)
	}

	if err := cfg.LogFile.Validate(); err != nil {
		return nil, err
	}

	if cfg.Keyring.Service == "" ||
		strings.ContainsRune(cfg.Keyring.Service, '/') {

		return nil, fmt.Errorf("invalid keyring service %q",
			cfg.Keyring.Service)
	}

	if err := cfg.ScryptParams().Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ScryptParams returns the configured PIN stretching parameters.
func (c *Config) ScryptParams() vault.ScryptParams {
	return vault.ScryptParams{
		N: c.Scrypt.N,
		R: c.Scrypt.R,
		P: c.Scrypt.P,
	}
}

// LogFilePath returns the full path of the log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, DefaultLogFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// appDataDir returns an operating system specific directory to be used for
// storing application data for an application, following the conventions
// of btcutil.AppDataDir:
//
//	POSIX (Linux/BSD): ~/.appname
//	Mac OS: $HOME/Library/Application Support/Appname
//	Windows: %LOCALAPPDATA%\Appname
//	Plan 9: $home/appname
func appDataDir(appName string) string {
	if appName == "" || appName == "." {
		return "."
	}

	// The caller really shouldn't prepend the appName with a period, but
	// if they do, handle it gracefully by trimming it.
	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(
				homeDir, "Library", "Application Support",
				appNameUpper,
			)
		}

	case "plan9":
		if homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	// Fall back to the current directory if all else fails.
	return "."
}
