package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/eldtechnologies/qtunnel/internal/crypto"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	tunnel, err := crypto.TunnelKeyPair(priv)
	if err != nil {
		panic(err)
	}
	defer tunnel.Wipe()

	fmt.Printf("Public key (base64):     %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("Private key (base64):    %s\n", base64.StdEncoding.EncodeToString(priv))
	fmt.Printf("Tunnel key (base64url):  %s\n", crypto.EncodeBinary(tunnel.Public[:]))
}
