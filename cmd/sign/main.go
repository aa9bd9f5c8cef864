package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 private key")
	agentID := flag.String("agent", "", "Agent UUID")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	method := flag.String("method", "POST", "HTTP method of the request")
	path := flag.String("path", "", "Request path with query, e.g. /queues/<id>/messages")
	flag.Parse()

	if *privKeyB64 == "" || *agentID == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base64> -agent <agent-uuid> -path <uri> [-method <method>] [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	// Decode private key
	privKeyBytes, err := base64.StdEncoding.DecodeString(*privKeyB64)
	if err != nil || len(privKeyBytes) != ed25519.PrivateKeySize {
		fmt.Fprintln(os.Stderr, "Invalid private key")
		os.Exit(1)
	}
	privKey := ed25519.PrivateKey(privKeyBytes)

	// Read body
	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	// 12 random bytes hex-encode to the 24 characters the server requires
	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	timestamp := time.Now().UnixMilli()

	bodyHashBytes := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(bodyHashBytes[:])

	signature := ed25519.Sign(privKey, crypto.SignaturePayload(strings.ToUpper(*method), *path, bodyHash, nonce, timestamp))
	signatureB64 := base64.StdEncoding.EncodeToString(signature)

	// Output headers
	fmt.Printf("%s: %s\n", middleware.HeaderAgent, *agentID)
	fmt.Printf("%s: %s\n", middleware.HeaderNonce, nonce)
	fmt.Printf("%s: %d\n", middleware.HeaderTimestamp, timestamp)
	fmt.Printf("%s: %s\n", middleware.HeaderSignature, signatureB64)
}
