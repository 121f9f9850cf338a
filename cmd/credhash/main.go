// Command credhash prints a bcrypt hash for a password or a transaction PIN,
// for seeding users rows or rotating the bootstrap account by hand.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
)

func main() {
	kind := flag.String("kind", "password", "credential kind: password or pin")
	flag.Parse()

	secret, err := readSecret(flag.Arg(0), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	hash, err := hashCredential(*kind, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash %s: %v\n", *kind, err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func hashCredential(kind, secret string) (string, error) {
	switch kind {
	case "password":
		return auth.HashPassword(secret)
	case "pin":
		return auth.HashPIN(secret)
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
}

func readSecret(arg string, stdin *os.File) (string, error) {
	if strings.TrimSpace(arg) != "" {
		return arg, nil
	}
	info, err := stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide secret as arg or stdin")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}
