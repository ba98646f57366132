package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	var identity string
	var generate bool
	var cost int

	flag.StringVar(&identity, "identity", "", "Caller identity the token belongs to")
	flag.BoolVar(&generate, "generate", false, "Generate a random token instead of reading one")
	flag.IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	if identity == "" || strings.ContainsAny(identity, ":,") {
		fmt.Fprintf(os.Stderr, "Usage: hash-token -identity <name> [-generate]\n")
		fmt.Fprintf(os.Stderr, "Identity must not contain ':' or ','\n")
		os.Exit(1)
	}

	var token string
	if generate {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
			os.Exit(1)
		}
		token = hex.EncodeToString(buf)
		fmt.Fprintf(os.Stderr, "Token: %s\n", token)
	} else {
		var err error
		token, err = readToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
			os.Exit(1)
		}
	}
	if token == "" {
		fmt.Fprintf(os.Stderr, "Token must not be empty\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing token: %v\n", err)
		os.Exit(1)
	}

	// API_TOKENS entry
	fmt.Printf("%s:%s\n", identity, hash)
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
