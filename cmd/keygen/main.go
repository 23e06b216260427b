package main

import (
	"fmt"
	"os"

	"github.com/geekgame/glitter/internal/token"
)

func main() {
	signing, verify, err := token.GenKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("TOKEN_SIGNING_KEY=%s\n", signing)
	fmt.Printf("TOKEN_VERIFY_KEY=%s\n", verify)

	sk, err := token.LoadSigningKey(signing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load generated key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sample token for uid 1: %s\n", token.Sign(sk, 1))
}
