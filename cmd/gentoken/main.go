// Package main provides a tool to sign client tokens against a shared-secret
// trust key, for exercising a gateway outside production.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/narvanalabs/credential-gateway/internal/auth"
)

func main() {
	subject := flag.String("sub", "svc-test", "Subject for the token")
	issuer := flag.String("iss", "https://idp.internal", "Issuer for the token")
	kid := flag.String("kid", "", "Key ID header")
	scopes := flag.String("scopes", "", "Space or comma separated scopes, e.g. 'secrets:read:db/primary'")
	secret := flag.String("secret", "", "Base64 HMAC secret (or set GENTOKEN_SECRET env var)")
	alg := flag.String("alg", "HS256", "HS256, HS384 or HS512")
	expiry := flag.Duration("expiry", 15*time.Minute, "Token lifetime")
	flag.Parse()

	encoded := *secret
	if encoded == "" {
		encoded = os.Getenv("GENTOKEN_SECRET")
	}
	if encoded == "" {
		fmt.Fprintln(os.Stderr, "Error: HMAC secret required. Use -secret flag or set GENTOKEN_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -secret \"$(openssl rand -base64 32)\" -scopes secrets:read:db/primary")
		os.Exit(1)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: secret must be base64 encoded")
		os.Exit(1)
	}
	if len(key) < auth.MinHMACKeyLength {
		fmt.Fprintf(os.Stderr, "Error: secret must decode to at least %d bytes\n", auth.MinHMACKeyLength)
		os.Exit(1)
	}

	method := jwt.GetSigningMethod(strings.ToUpper(*alg))
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		fmt.Fprintf(os.Stderr, "Error: unsupported algorithm %q\n", *alg)
		os.Exit(1)
	}

	token, err := auth.SignToken(key, auth.TokenSpec{
		KeyID:   *kid,
		Issuer:  *issuer,
		Subject: *subject,
		Scopes:  strings.FieldsFunc(*scopes, func(r rune) bool { return r == ',' || r == ' ' }),
		TTL:     *expiry,
		Method:  method,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
