// Command hash-token produces an api.token_hashes entry for the upload API.
// The token is read from stdin unless --generate is given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bitriver-vod/internal/auth"
)

func main() {
	var generate bool
	flag.BoolVar(&generate, "generate", false, "generate a random token instead of reading one from stdin")
	flag.Parse()

	token, hash, err := hashToken(os.Stdin, generate)
	if err != nil {
		fatalf("hash token: %v", err)
	}
	if generate {
		fmt.Printf("token: %s\n", token)
	}
	fmt.Printf("hash:  %s\n", hash)
	if generate {
		fmt.Println("Store the token somewhere safe. Only the hash belongs in the configuration.")
	}
}

func hashToken(stdin io.Reader, generate bool) (token, hash string, err error) {
	if generate {
		token, err = auth.GenerateToken()
		if err != nil {
			return "", "", err
		}
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	hash, err = auth.HashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
