// Command agentctl is the operator tool for agent credentials: generate a
// key pair, register it with a gateway, sign a request by hand, and solve
// challenges while debugging.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gazorpazorp/gateway/pkg/sdk"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = cmdKeygen()
	case "register":
		err = cmdRegister(os.Args[2:])
	case "sign":
		err = cmdSign(os.Args[2:])
	case "solve-pow":
		err = cmdSolvePow(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("agentctl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: agentctl <command> [flags]

commands:
  keygen                       generate a key pair, print seed and public key
  register   -gateway -token   register the public key with a gateway
  sign       -seed -method -path [-body]   print signed request headers
  solve-pow  -id -difficulty   brute-force a proof-of-work solution`)
}

func cmdKeygen() error {
	signer, err := sdk.GenerateSigner()
	if err != nil {
		return err
	}
	fmt.Printf("seed:        %s\n", signer.SeedHex())
	fmt.Printf("public key:  %s\n", signer.PublicKeyText())
	fmt.Printf("fingerprint: %s\n", signer.Fingerprint())
	return nil
}

func cmdRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base URL")
	token := fs.String("token", "", "admin token")
	seed := fs.String("seed", "", "private key seed (hex); generated when empty")
	fs.Parse(args)

	var signer *sdk.Signer
	var err error
	if *seed == "" {
		signer, err = sdk.GenerateSigner()
		if err != nil {
			return err
		}
		fmt.Printf("seed: %s\n", signer.SeedHex())
	} else {
		signer, err = sdk.NewSignerFromSeed(*seed)
		if err != nil {
			return err
		}
	}

	body, _ := json.Marshal(map[string]string{"publicKey": signer.PublicKeyText()})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*gateway, "/")+"/api/admin/agents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", *token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("registration failed (%d): %s", resp.StatusCode, out)
	}
	fmt.Println(string(out))
	return nil
}

func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	seed := fs.String("seed", "", "private key seed (hex)")
	method := fs.String("method", "GET", "request method")
	path := fs.String("path", "/", "request path")
	body := fs.String("body", "", "JSON request body")
	fs.Parse(args)

	if *seed == "" {
		return fmt.Errorf("-seed is required")
	}
	signer, err := sdk.NewSignerFromSeed(*seed)
	if err != nil {
		return err
	}

	var payload []byte
	if *body != "" {
		payload = []byte(*body)
	}
	headers, err := signer.Sign(*method, *path, payload)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", sdk.HeaderSignature, headers.Signature)
	fmt.Printf("%s: %s\n", sdk.HeaderPubkey, headers.Pubkey)
	fmt.Printf("%s: %s\n", sdk.HeaderPayload, headers.Payload)
	return nil
}

func cmdSolvePow(args []string) error {
	fs := flag.NewFlagSet("solve-pow", flag.ExitOnError)
	id := fs.String("id", "", "challenge id")
	difficulty := fs.Int("difficulty", 2, "required leading zero hex chars")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	start := time.Now()
	solution := sdk.SolveProofOfWork(*id, *difficulty)
	fmt.Printf("solution: %s (%.1fs)\n", solution, time.Since(start).Seconds())
	return nil
}
