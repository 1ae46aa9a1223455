package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"cowlend/internal/passphrase"
	"cowlend/crypto"
)

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	path := fs.String("out", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--out is required")
	}
	pass, err := passphrase.NewSource(*passEnv, "new keystore").Get()
	if err != nil {
		return err
	}
	addr, err := generateKeystore(*path, pass, *force)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote keystore for %s (%s) to %s\n", addr.String(), addr.Hex(), *path)
	return nil
}

func generateKeystore(path, pass string, force bool) (crypto.Address, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return crypto.Address{}, fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return crypto.Address{}, err
		}
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return crypto.Address{}, fmt.Errorf("write keystore: %w", err)
	}
	return key.Address(), nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	path := fs.String("keystore", "", "Keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--keystore is required")
	}
	addr, err := crypto.KeystoreAddress(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n%s\n", addr.String(), addr.Hex())
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv, "signing keystore").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
