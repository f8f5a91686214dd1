package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/btcsuite/btclog"
	"github.com/hiveledger/hvault"
	"github.com/hiveledger/hvault/build"
	"github.com/hiveledger/hvault/credstore"
	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/registry"
	"github.com/hiveledger/hvault/secret"
	"github.com/hiveledger/hvault/unlock"
	"github.com/hiveledger/hvault/vault"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hvcli] %v\n", err)
	os.Exit(1)
}

// wallet bundles everything a command needs to work on the vault.
type wallet struct {
	cfg      *hvault.Config
	store    *vault.Store
	registry *registry.Registry
	unlocker *unlock.Unlocker
	stderr   io.Writer
}

// getWallet loads the config, opens the log file and the vault. The returned
// cleanup function must be called once the command is done to flush the log.
func getWallet(ctx *cli.Context) (*wallet, func(), error) {
	preCfg := hvault.DefaultConfig()
	if ctx.GlobalIsSet("walletdir") {
		preCfg.WalletDir = ctx.GlobalString("walletdir")
	}
	if ctx.GlobalIsSet("configfile") {
		preCfg.ConfigFile = ctx.GlobalString("configfile")
	}

	// The remaining command line options take precedence over the
	// config file.
	cfg, err := hvault.LoadConfig(preCfg, func(cfg *hvault.Config) error {
		if ctx.GlobalIsSet("vaultfile") {
			cfg.VaultFile = ctx.GlobalString("vaultfile")
		}
		if ctx.GlobalIsSet("debuglevel") {
			cfg.DebugLevel = ctx.GlobalString("debuglevel")
		}
		if ctx.GlobalIsSet("addressprefix") {
			cfg.AddressPrefix = ctx.GlobalString("addressprefix")
		}
		if ctx.GlobalIsSet("keyring.disable") {
			cfg.Keyring.Disable = ctx.GlobalBool("keyring.disable")
		}

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load config: %w", err)
	}

	logWriter, err := hvault.InitLogging(
		cfg, map[string]func(btclog.Logger){Subsystem: UseLogger},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to init logging: %w", err)
	}
	cleanUp := func() {
		if err := logWriter.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to close log: %v\n", err)
		}
	}

	log.Infof("%s version %s, vault %v", build.AppName, build.Version(),
		cfg.VaultFile)

	var creds credstore.Store
	if !cfg.Keyring.Disable {
		creds = credstore.NewOSStore()
	}

	store := vault.New(&vault.Config{
		Path:          cfg.VaultFile,
		AddressPrefix: cfg.AddressPrefix,
		Scrypt:        cfg.ScryptParams(),
		CredStore:     creds,
		CredService:   cfg.Keyring.Service,
	})
	if err := store.Initialize(); err != nil {
		cleanUp()
		return nil, nil, err
	}

	stderr := ctx.App.ErrWriter
	if stderr == nil {
		stderr = os.Stderr
	}

	w := &wallet{
		cfg:      cfg,
		store:    store,
		registry: registry.New(store),
		stderr:   stderr,
	}

	// The PIN prompt always runs before the progress line.
	w.unlocker = unlock.New(&unlock.Config{
		Keys: store,
		PromptPIN: func(account string,
			role keychain.Role) (*secret.Buffer, error) {

			return readSecret(fmt.Sprintf(
				"PIN for %v key of %v: ", role, account,
			))
		},
		OnUnlocking: func(account string, role keychain.Role) {
			fmt.Fprintf(stderr, "Unlocking %v key of %v...\n", role,
				account)
		},
	})

	return w, cleanUp, nil
}

// getContext returns a context that is canceled on interrupt.
func getContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printJSON(ctx *cli.Context, resp interface{}) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "\t"); err != nil {
		return err
	}
	out.WriteString("\n")

	_, err = out.WriteTo(ctx.App.Writer)
	return err
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = build.AppName
	app.Version = fmt.Sprintf("%s commit=%s (%s)", build.Version(),
		build.Commit, build.Deployment)
	app.Usage = "secure multi-account key vault for the ledger"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "walletdir",
			Value:     hvault.DefaultWalletDir,
			Usage:     "The path to the wallet directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Value:     hvault.DefaultConfigFile,
			Usage:     "The path to the config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "vaultfile",
			Usage: "The path to the vault file, defaults to " +
				"vault.json in the wallet directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "debuglevel",
			Usage: "The log level of the log file, either for all " +
				"subsystems or per subsystem as " +
				"<global-level>,<subsystem>=<level>,...",
		},
		cli.StringFlag{
			Name:  "addressprefix",
			Usage: "The prefix of the ledger's public keys.",
		},
		cli.BoolFlag{
			Name: "keyring.disable",
			Usage: "Never use the OS keyring, every key must then " +
				"be protected by a PIN.",
		},
	}
	app.Commands = []cli.Command{
		loginCommand,
		importKeyCommand,
		listAccountsCommand,
		accountInfoCommand,
		setDefaultCommand,
		removeKeyCommand,
		changePINCommand,
		signMessageCommand,
		verifyMessageCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
