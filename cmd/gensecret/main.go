package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// HS256 key must not be shorter than 32 bytes
const minSecretBytesLen = 32

func main() {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	length := fs.IntP("length", "n", minSecretBytesLen, "Secret length in bytes, at least 32")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	secret, err := generate(*length)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(secret)
}

// Random secret for JWT_SECRET, base64 encoded
func generate(length int) (string, error) {
	if length < minSecretBytesLen {
		return "", fmt.Errorf("secret must be at least %d bytes, got %d", minSecretBytesLen, length)
	}

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawStdEncoding.EncodeToString(b), nil
}
