// ABOUTME: Minimal agent for E2E testing: authenticates against a site, calls endpoints and runs delegation
// ABOUTME: Usage: fake-agent [-site http://localhost:8080] [-id e2e-agent] [-call /api/search] [-user alice]
package main

import (
	"bufio"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/client"
	"github.com/2389/agentready-gateway/internal/delegation"
	"github.com/2389/agentready-gateway/internal/store"
)

type options struct {
	site         string
	agentID      string
	keyPath      string
	format       string
	scopes       string
	call         string
	user         string
	userScopes   string
	purpose      string
	delegateCall string
	callbackAddr string
	revoke       bool
}

func main() {
	var o options
	flag.StringVar(&o.site, "site", "http://localhost:8080", "Site base URL")
	flag.StringVar(&o.agentID, "id", "e2e-agent", "Agent ID")
	flag.StringVar(&o.keyPath, "key", "", "Path to an OpenSSH private key (generated if missing; ephemeral if empty)")
	flag.StringVar(&o.format, "format", "jws", "Proof format: jws, ssh or cose")
	flag.StringVar(&o.scopes, "scopes", "", "Space separated scopes to request")
	flag.StringVar(&o.call, "call", "", "Endpoint path to call with the agent token")
	flag.StringVar(&o.user, "user", "", "User to request delegation from")
	flag.StringVar(&o.userScopes, "user-scopes", "", "Space separated scopes to request from the user")
	flag.StringVar(&o.purpose, "purpose", "E2E delegation test", "Purpose shown on the consent page")
	flag.StringVar(&o.delegateCall, "delegated-call", "", "Endpoint path to call with the user token")
	flag.StringVar(&o.callbackAddr, "callback-addr", "", "Listen address for the consent webhook (prompts for the code if empty)")
	flag.BoolVar(&o.revoke, "revoke", false, "Revoke the agent token before exiting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, o options) error {
	key, err := loadOrCreateKey(o.keyPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	signer := &auth.ProofSigner{Key: key, AgentID: o.agentID, Format: auth.ProofFormat(o.format)}
	c := client.NewClient(o.site, signer, client.WithScopes(strings.Fields(o.scopes)...), client.WithLogger(logger))

	desc, err := c.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	log.Printf("Site: %s (%d endpoints, scopes %v)", desc.Site.Name, len(desc.Endpoints), desc.Auth.Scopes)

	tok, err := c.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	log.Printf("Agent token %s: scope=%q expires_in=%ds", c.TokenID(), tok.Scope, tok.ExpiresIn)

	if o.call != "" {
		if err := callAndPrint(ctx, c, o.call, ""); err != nil {
			return err
		}
	}

	if o.user != "" {
		userToken, err := delegate(ctx, c, o, logger)
		if err != nil {
			return err
		}
		log.Printf("User token for %s: scope=%q expires_in=%ds", userToken.UserInfo.ID, userToken.Scope, userToken.ExpiresIn)
		if o.delegateCall != "" {
			if err := callAndPrint(ctx, c, o.delegateCall, userToken.Token); err != nil {
				return err
			}
		}
	}

	if o.revoke {
		res, err := c.Revoke(ctx, "")
		if err != nil {
			return fmt.Errorf("revoking: %w", err)
		}
		log.Printf("Revoked %s (%d tokens)", res.TokenID, res.Revoked)
	}
	return nil
}

func callAndPrint(ctx context.Context, c *client.Client, path, userToken string) error {
	var out json.RawMessage
	if err := c.Call(ctx, http.MethodGet, path, nil, userToken, &out); err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	log.Printf("GET %s -> %s", path, out)
	return nil
}

// delegate asks the user for consent and exchanges the resulting code. The code
// arrives on the webhook when callbackAddr is set and is typed in otherwise.
func delegate(ctx context.Context, c *client.Client, o options, logger *slog.Logger) (*delegation.UserToken, error) {
	verifier, err := delegation.NewVerifier()
	if err != nil {
		return nil, err
	}

	in := delegation.Input{
		UserID:              o.user,
		Scopes:              strings.Fields(o.userScopes),
		Purpose:             o.purpose,
		CodeChallenge:       delegation.S256Challenge(verifier),
		CodeChallengeMethod: delegation.MethodS256,
	}

	var receiver *client.CallbackReceiver
	if o.callbackAddr != "" {
		ln, err := net.Listen("tcp", o.callbackAddr)
		if err != nil {
			return nil, fmt.Errorf("listening for callback: %w", err)
		}
		receiver = client.NewCallbackReceiver(logger)
		srv := &http.Server{Handler: receiver, ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(ln) }()
		defer srv.Close()
		in.CallbackURL = "http://" + ln.Addr().String() + "/callback"
	}

	req, err := c.RequestDelegation(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("requesting delegation: %w", err)
	}
	log.Printf("Delegation %s pending; ask %s to open:\n\n    %s\n", req.ID, o.user, req.UserAuthURL)

	var code string
	if receiver != nil {
		d, err := receiver.Wait(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if d.Status != store.DelegationConsented {
			return nil, fmt.Errorf("delegation %s: %s", req.ID, d.Status)
		}
		code = d.AuthorizationCode
	} else {
		summary, err := c.WaitForDecision(ctx, req.ID, client.DefaultPollInterval)
		if err != nil {
			return nil, err
		}
		if summary.Status != store.DelegationConsented {
			return nil, fmt.Errorf("delegation %s: %s", req.ID, summary.Status)
		}
		fmt.Print("Authorization code shown on the consent page: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading code: %w", err)
		}
		code = strings.TrimSpace(line)
	}

	return c.Exchange(ctx, delegation.ExchangeInput{RequestID: req.ID, Code: code, CodeVerifier: verifier})
}

// loadOrCreateKey reads an OpenSSH private key, creating an Ed25519 one when the
// file does not exist. An empty path yields an ephemeral key.
func loadOrCreateKey(path string) (crypto.Signer, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		block, err := ssh.MarshalPrivateKey(key, "fake-agent")
		if err != nil {
			return nil, fmt.Errorf("encoding key: %w", err)
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("writing key: %w", err)
		}
		log.Printf("Generated key %s", path)
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case crypto.Signer:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", raw)
	}
}
