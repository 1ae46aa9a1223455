package main

import (
	"fmt"
	"io"
	"os"
)

const (
	keygenCommand    = "keygen"
	addressCommand   = "address"
	signOrderCommand = "sign-order"
	tokenCommand     = "token"
	exportCommand    = "export"

	defaultPassEnv = "LENDCTL_KEYSTORE_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case signOrderCommand:
		err = runSignOrder(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "lendctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-11s Generate an encrypted keystore\n", keygenCommand)
	fmt.Fprintf(w, "  %-11s Print the address held by a keystore\n", addressCommand)
	fmt.Fprintf(w, "  %-11s Sign a lend or borrow order described in TOML\n", signOrderCommand)
	fmt.Fprintf(w, "  %-11s Issue a bearer token for lendingd or cowd\n", tokenCommand)
	fmt.Fprintf(w, "  %-11s Export the loan book from a lendingd database\n", exportCommand)
}
