package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
)

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	secretEnv := fs.String("secret-env", "LENDINGD_JWT_SECRET", "Environment variable holding the HMAC secret")
	subject := fs.String("subject", "", "Caller address placed in the sub claim")
	scopes := fs.String("scopes", "lend", "Comma separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		return fmt.Errorf("%s is not set", *secretEnv)
	}
	addr, err := crypto.ParseAddress(*subject)
	if err != nil {
		return fmt.Errorf("--subject: %w", err)
	}
	token, err := middleware.IssueToken(secret, addr, splitScopes(*scopes), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func splitScopes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
