package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/registry"
	"github.com/hiveledger/hvault/secret"
	"github.com/hiveledger/hvault/signer"
	"github.com/urfave/cli"
)

const defaultLoginRoles = "active,posting,memo"

var (
	noPINFlag = cli.BoolFlag{
		Name: "no-pin",
		Usage: "store the key in the OS keyring instead of " +
			"encrypting it under a PIN",
	}

	forceFlag = cli.BoolFlag{
		Name:  "force",
		Usage: "confirm replacing or removing existing keys",
	}
)

// keyResp is the public description of a stored key.
type keyResp struct {
	Account   string `json:"account"`
	Role      string `json:"role"`
	PublicKey string `json:"public_key"`
	Encrypted bool   `json:"encrypted"`
}

// verifyResp reports the outcome of a signature check.
type verifyResp struct {
	Valid bool `json:"valid"`
}

// accountResp is the description of an account.
type accountResp struct {
	Name       string            `json:"name"`
	IsDefault  bool              `json:"is_default"`
	KeyCount   int               `json:"key_count"`
	Roles      []string          `json:"roles"`
	PublicKeys map[string]string `json:"public_keys"`
}

func newAccountResp(summary *registry.AccountSummary) *accountResp {
	resp := &accountResp{
		Name:       summary.Name,
		IsDefault:  summary.IsDefault,
		KeyCount:   summary.KeyCount,
		Roles:      make([]string, 0, len(summary.Roles)),
		PublicKeys: make(map[string]string, len(summary.PublicKeys)),
	}
	for _, role := range summary.Roles {
		resp.Roles = append(resp.Roles, role.String())
		resp.PublicKeys[role.String()] = summary.PublicKeys[role]
	}

	return resp
}

// accountArg returns the account named by the first argument, or the
// default account if none was given.
func accountArg(ctx *cli.Context, w *wallet) (string, error) {
	if ctx.NArg() > 0 {
		return ctx.Args().First(), nil
	}

	account, ok := w.registry.GetDefaultAccount()
	if !ok {
		return "", errors.New("no account given and no default " +
			"account set")
	}

	return account, nil
}

// readKeyPIN prompts for the PIN that will protect a new key, unless
// --no-pin was set.
func readKeyPIN(ctx *cli.Context) (*secret.Buffer, error) {
	if ctx.Bool("no-pin") {
		return nil, nil
	}

	return readNewPIN("PIN to encrypt the key: ")
}

var loginCommand = cli.Command{
	Name:      "login",
	Category:  "Keys",
	Usage:     "Derive and store the keys of an account.",
	ArgsUsage: "account",
	Description: `
	Derive the keys of the given roles of the account from its master
	password and store them in the vault.

	The keys are encrypted under a PIN, or placed in the OS keyring if
	--no-pin is set. The first account stored becomes the default one.

	A wrong master password can't be detected here: it silently yields a
	different set of keys, which the ledger will reject on first use.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "roles",
			Value: defaultLoginRoles,
			Usage: "comma separated roles to derive, out of " +
				"owner, active, posting and memo",
		},
		noPINFlag,
		forceFlag,
	},
	Action: login,
}

func login(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "login")
	}
	account := ctx.Args().First()

	if err := keychain.ValidateAccountName(account); err != nil {
		return err
	}
	roles, err := keychain.ParseRoles(ctx.String("roles"))
	if err != nil {
		return err
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	// All secrets are read before any work starts.
	password, err := readSecret(
		fmt.Sprintf("Master password of %v: ", account),
	)
	if err != nil {
		return err
	}
	defer password.Scrub()

	pin, err := readKeyPIN(ctx)
	if err != nil {
		return err
	}
	defer pin.Scrub()

	infos, err := w.store.Login(
		password, account, roles, pin, ctx.Bool("force"),
	)
	if err != nil {
		return err
	}

	resp := make([]*keyResp, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, &keyResp{
			Account:   info.Account,
			Role:      info.Role.String(),
			PublicKey: info.PublicKey,
			Encrypted: info.Encrypted,
		})
	}

	return printJSON(ctx, resp)
}

var importKeyCommand = cli.Command{
	Name:      "importkey",
	Category:  "Keys",
	Usage:     "Store an existing private key of an account.",
	ArgsUsage: "account role",
	Description: `
	Store a private key given in wallet import format as the key of the
	role of the account. The key is read from the terminal, never from
	the command line.
	`,
	Flags: []cli.Flag{
		noPINFlag,
		forceFlag,
	},
	Action: importKey,
}

func importKey(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "importkey")
	}
	account := ctx.Args().Get(0)
	role, err := keychain.ParseRole(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	wif, err := readSecret(
		fmt.Sprintf("Private %v key of %v: ", role, account),
	)
	if err != nil {
		return err
	}
	privKey, err := keychain.DecodeWIF(wif)
	wif.Scrub()
	if err != nil {
		return err
	}
	defer privKey.Scrub()

	pin, err := readKeyPIN(ctx)
	if err != nil {
		return err
	}
	defer pin.Scrub()

	err = w.store.AddKey(account, role, privKey, pin, ctx.Bool("force"))
	if err != nil {
		return err
	}

	info, err := w.store.Record(account, role)
	if err != nil {
		return err
	}

	return printJSON(ctx, &keyResp{
		Account:   info.Account,
		Role:      info.Role.String(),
		PublicKey: info.PublicKey,
		Encrypted: info.Encrypted,
	})
}

var listAccountsCommand = cli.Command{
	Name:     "listaccounts",
	Category: "Accounts",
	Usage:    "List the accounts held in the vault.",
	Action:   listAccounts,
}

func listAccounts(ctx *cli.Context) error {
	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	summaries, err := w.registry.ListSummaries()
	if err != nil {
		return err
	}

	resp := make([]*accountResp, 0, len(summaries))
	for _, summary := range summaries {
		resp = append(resp, newAccountResp(summary))
	}

	return printJSON(ctx, resp)
}

var accountInfoCommand = cli.Command{
	Name:      "accountinfo",
	Category:  "Accounts",
	Usage:     "Show the keys held for an account.",
	ArgsUsage: "[account]",
	Description: `
	Show the roles and public keys held for the account, or for the
	default account if none is given.
	`,
	Action: accountInfo,
}

func accountInfo(ctx *cli.Context) error {
	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	account, err := accountArg(ctx, w)
	if err != nil {
		return err
	}

	summary, err := w.registry.GetAccountSummary(account)
	if err != nil {
		return err
	}

	return printJSON(ctx, newAccountResp(summary))
}

var setDefaultCommand = cli.Command{
	Name:      "setdefault",
	Category:  "Accounts",
	Usage:     "Set the default account.",
	ArgsUsage: "account",
	Action:    setDefault,
}

func setDefault(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "setdefault")
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return w.store.SetDefaultAccount(ctx.Args().First())
}

var removeKeyCommand = cli.Command{
	Name:      "removekey",
	Category:  "Keys",
	Usage:     "Remove the key of an account role.",
	ArgsUsage: "account role",
	Description: `
	Remove the key of the role of the account from the vault, and from
	the OS keyring if it was stored there. Removing the last key of the
	default account leaves no default account set.

	The key can't be recovered afterwards other than by logging in or
	importing it again, so --force is required.
	`,
	Flags: []cli.Flag{
		forceFlag,
	},
	Action: removeKey,
}

func removeKey(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "removekey")
	}
	account := ctx.Args().Get(0)
	role, err := keychain.ParseRole(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	if !ctx.Bool("force") {
		return fmt.Errorf("refusing to remove %v key of %v without "+
			"--force", role, account)
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return w.store.RemoveKey(account, role)
}

var changePINCommand = cli.Command{
	Name:      "changepin",
	Category:  "Keys",
	Usage:     "Change the PIN protecting the key of an account role.",
	ArgsUsage: "account role",
	Description: `
	Re-encrypt the key of the role of the account under a new PIN. The
	new PIN is asked for first, then the current one if the key is
	encrypted, so that no prompt runs while the key is decrypted. With
	--no-pin the key is moved to the OS keyring instead.
	`,
	Flags: []cli.Flag{
		noPINFlag,
	},
	Action: changePIN,
}

func changePIN(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "changepin")
	}
	account := ctx.Args().Get(0)
	role, err := keychain.ParseRole(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	// The record must exist before a new PIN is asked for.
	if _, err := w.store.Record(account, role); err != nil {
		return err
	}

	newPIN, err := readKeyPIN(ctx)
	if err != nil {
		return err
	}
	defer newPIN.Scrub()

	ctxc, cancel := getContext()
	defer cancel()

	// The key is unlocked like for any other use, so it is never held
	// next to another plaintext key.
	err = w.unlocker.WithKey(ctxc, account, role,
		func(_ context.Context, key *secret.Buffer) error {
			return w.store.AddKey(account, role, key, newPIN, true)
		},
	)
	if err != nil {
		return err
	}

	log.Infof("Changed PIN of %v key of %v", role, account)

	return nil
}

var signMessageCommand = cli.Command{
	Name:      "signmessage",
	Category:  "Signing",
	Usage:     "Sign a message with the key of an account role.",
	ArgsUsage: "msg",
	Description: `
	Sign msg with the key of the role of the account, the default
	account if --account isn't set. The key is only decrypted for the
	duration of the signing and erased right after.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "account",
			Usage: "the account to sign with",
		},
		cli.StringFlag{
			Name:  "role",
			Value: keychain.RolePosting.String(),
			Usage: "the role of the key to sign with",
		},
	},
	Action: signMessage,
}

func signMessage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "signmessage")
	}
	msg := []byte(ctx.Args().First())

	role, err := keychain.ParseRole(ctx.String("role"))
	if err != nil {
		return err
	}

	w, cleanUp, err := getWallet(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	account := ctx.String("account")
	if account == "" {
		var ok bool
		account, ok = w.registry.GetDefaultAccount()
		if !ok {
			return errors.New("no --account given and no default " +
				"account set")
		}
	}

	pubKey, err := w.store.PublicKey(account, role)
	if err != nil {
		return err
	}

	ctxc, cancel := getContext()
	defer cancel()

	var (
		msgSigner signer.MessageSigner
		sig       []byte
	)
	err = w.unlocker.WithKey(ctxc, account, role,
		func(ctxc context.Context, key *secret.Buffer) error {
			var err error
			sig, err = msgSigner.Sign(ctxc, msg, key)
			return err
		},
	)
	if err != nil {
		return err
	}

	log.Infof("Signed message with %v key of %v", role, account)

	return printJSON(ctx, struct {
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	}{
		PublicKey: pubKey,
		Signature: hex.EncodeToString(sig),
	})
}

var verifyMessageCommand = cli.Command{
	Name:      "verifymessage",
	Category:  "Signing",
	Usage:     "Verify a message signature against a public key.",
	ArgsUsage: "pubkey msg signature",
	Description: `
	Verify that the hex signature of msg was made by the key matching
	pubkey. No vault access is needed.
	`,
	Action: verifyMessage,
}

func verifyMessage(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.ShowCommandHelp(ctx, "verifymessage")
	}
	args := ctx.Args()

	sig, err := hex.DecodeString(args.Get(2))
	if err != nil {
		return fmt.Errorf("unable to decode signature: %w", err)
	}

	prefix := keychain.DefaultAddressPrefix
	if ctx.GlobalIsSet("addressprefix") {
		prefix = ctx.GlobalString("addressprefix")
	}

	err = signer.VerifyMessage(
		prefix, args.Get(0), []byte(args.Get(1)), sig,
	)
	switch {
	case errors.Is(err, signer.ErrInvalidSignature):
		return printJSON(ctx, &verifyResp{Valid: false})

	case err != nil:
		return err
	}

	return printJSON(ctx, &verifyResp{Valid: true})
}
