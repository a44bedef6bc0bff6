// Package main seals and opens age-encrypted trust files.
//
//	sealtrust keygen
//	sealtrust seal -recipient age1... trust.yaml > trust.yaml.age
//	sealtrust open -identity AGE-SECRET-KEY-1... trust.yaml.age
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/secrets"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	recipient := fs.String("recipient", os.Getenv("TRUST_AGE_RECIPIENT"), "age recipient (age1...)")
	identity := fs.String("identity", os.Getenv("TRUST_AGE_IDENTITY"), "age identity (AGE-SECRET-KEY-1...)")
	_ = fs.Parse(os.Args[2:])

	switch os.Args[1] {
	case "keygen":
		pub, priv, err := secrets.GenerateKeyPair()
		if err != nil {
			fail(err)
		}
		fmt.Printf("# recipient: %s\n%s\n", pub, priv)

	case "seal":
		if fs.NArg() != 1 {
			usage()
		}
		data, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fail(err)
		}
		// Refuse to seal a file the gateway could not load.
		if _, err := auth.ParseTrust(data, filepath.Dir(fs.Arg(0)), nil); err != nil {
			fail(err)
		}
		sealer, err := secrets.NewSealer(&secrets.Config{Recipient: *recipient}, nil)
		if err != nil {
			fail(err)
		}
		out, err := sealer.Seal(data)
		if err != nil {
			fail(err)
		}
		os.Stdout.Write(out)

	case "open":
		if fs.NArg() != 1 {
			usage()
		}
		sealer, err := secrets.NewSealer(&secrets.Config{Identity: *identity}, nil)
		if err != nil {
			fail(err)
		}
		out, err := sealer.ReadFile(fs.Arg(0))
		if err != nil {
			fail(err)
		}
		os.Stdout.Write(out)

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sealtrust keygen | seal -recipient R <file> | open -identity I <file>")
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
