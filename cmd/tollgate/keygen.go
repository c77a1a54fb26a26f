package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"net/http"
)

// runKeygenCmd generates an ed25519 keypair for request signing: the
// private key as PKCS#8 PEM, the public half as a registry YAML stanza
// ready to paste into the signing keys file.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kid := fs.String("kid", "", "key id to register (required)")
	clientID := fs.String("client", "", "client id bound to the key (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *kid == "" || *clientID == "" {
		fmt.Fprintln(stderr, "Usage: tollgate keygen -kid <id> -client <client-id>")
		return 2
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 1
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		fmt.Fprintf(stderr, "encode private key: %v\n", err)
		return 1
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		fmt.Fprintf(stderr, "encode public key: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "# Private key — keep with the signing client, never on the server:")
	_ = pem.Encode(stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	fmt.Fprintln(stdout, "# Registry stanza for SIGNING_KEYS_PATH:")
	fmt.Fprintln(stdout, "keys:")
	fmt.Fprintf(stdout, "  - kid: %s\n", *kid)
	fmt.Fprintf(stdout, "    client_id: %s\n", *clientID)
	fmt.Fprintln(stdout, "    status: active")
	fmt.Fprintln(stdout, "    public_key: |")
	for _, line := range pemLines(pubDER) {
		fmt.Fprintf(stdout, "      %s\n", line)
	}
	return 0
}

func pemLines(pubDER []byte) []string {
	raw := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	var lines []string
	for _, l := range splitLines(string(raw)) {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8080/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
