// qtunnel CLI - command line client for a qtunnel relay
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/clients/go/qtunnel"
	"github.com/eldtechnologies/qtunnel/internal/config"
	"github.com/eldtechnologies/qtunnel/internal/keydir"
	"github.com/eldtechnologies/qtunnel/internal/tunnel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("QTUNNEL_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := qtunnel.NewClient(baseURL)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: qtunnel register <name> [email]")
			os.Exit(1)
		}
		email := ""
		if len(os.Args) > 3 {
			email = os.Args[3]
		}
		resp, err := client.Register(ctx, os.Args[2], email)
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", resp.ID)

	case "who":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: qtunnel who <agent_id>")
			os.Exit(1)
		}
		resp, err := client.Who(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "serve":
		tk, err := client.TunnelKey()
		exitOnError(err)
		defer tk.Wipe()

		cfg := config.LoadClient()
		cfg.Tunnel.Principal = client.AgentID
		rc := cfg.Tunnel.ResponderConfig()
		rc.MaxConcurrent = cfg.MaxConcurrent

		r := tunnel.NewResponder(client.Broker(), tk, rc, logger)
		r.HandleFunc("echo", echoRetrieval)
		r.HandleFunc("echo-chat", echoGeneration)
		logger.Info().Str("agent", client.AgentID).Msg("serving echo and echo-chat")
		exitOnError(r.Serve(ctx))

	case "retrieve":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: qtunnel retrieve <agent_id> <endpoint> <query>")
			os.Exit(1)
		}
		tc := newTunnel(client, logger)
		defer tc.Close()
		res, err := tc.Retrieve(ctx, os.Args[2], os.Args[3], tunnel.RetrievalRequest{
			Query: strings.Join(os.Args[4:], " "),
		})
		exitOnError(err)
		if res.TimedOut() {
			fmt.Fprintln(os.Stderr, "Timed out waiting for a response")
			os.Exit(2)
		}
		for _, d := range res.Documents {
			fmt.Printf("  %s  %.2f  %s\n", d.ID, d.Score, d.Content)
		}
		fmt.Printf("(%d documents in %s)\n", len(res.Documents), res.Latency.Round(time.Millisecond))

	case "generate":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: qtunnel generate <agent_id> <endpoint> <prompt>")
			os.Exit(1)
		}
		tc := newTunnel(client, logger)
		defer tc.Close()
		res, err := tc.Generate(ctx, os.Args[2], os.Args[3], tunnel.GenerationRequest{
			Messages: []tunnel.Message{{Role: "user", Content: strings.Join(os.Args[4:], " ")}},
		})
		exitOnError(err)
		fmt.Println(res.Message.Content)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func newTunnel(client *qtunnel.Client, logger zerolog.Logger) *tunnel.Client {
	if client.AgentID == "" {
		exitOnError(fmt.Errorf("not registered, run: qtunnel register <name>"))
	}
	cfg := config.LoadClient()
	cfg.Tunnel.Principal = client.AgentID
	keys := keydir.New(client, cfg.KeyTTL, keydir.WithLogger(logger))
	tc, err := tunnel.New(client.Broker(), keys, cfg.Tunnel, logger)
	exitOnError(err)
	return tc
}

func echoRetrieval(ctx context.Context, req *tunnel.Request) (interface{}, error) {
	var q tunnel.RetrievalRequest
	if err := json.Unmarshal(req.Payload, &q); err != nil {
		return nil, fmt.Errorf("invalid retrieval request")
	}
	return tunnel.RetrievalResult{Documents: []tunnel.Document{{
		ID:      req.CorrelationID,
		Content: q.Query,
		Score:   1,
	}}}, nil
}

func echoGeneration(ctx context.Context, req *tunnel.Request) (interface{}, error) {
	var g tunnel.GenerationRequest
	if err := json.Unmarshal(req.Payload, &g); err != nil || len(g.Messages) == 0 {
		return nil, fmt.Errorf("invalid generation request")
	}
	last := g.Messages[len(g.Messages)-1]
	return tunnel.GenerationResult{Message: tunnel.Message{Role: "assistant", Content: last.Content}}, nil
}

func usage() {
	fmt.Println(`qtunnel CLI - encrypted request/response over a qtunnel relay

Usage: qtunnel <command> [options]

Commands:
  register <name> [email]               Register this agent and its tunnel key
  who <agent_id>                        Get agent profile
  health                                Check relay health
  serve                                 Answer echo and echo-chat requests
  retrieve <agent_id> <endpoint> <q>    Send a retrieval request
  generate <agent_id> <endpoint> <p>    Send a generation request

Environment:
  QTUNNEL_URL      Relay URL (default: http://localhost:8080)
  QTUNNEL_CONFIG   Config directory (default: ~/.qtunnel)
  TUNNEL_WAIT                 poll or notify (default: poll)
  TUNNEL_REPLY_MODE           reserved or inbox (default: reserved)
  TUNNEL_RETRIEVAL_TIMEOUT    Retrieval call timeout (default: 30s)
  TUNNEL_GENERATION_TIMEOUT   Generation call timeout (default: 120s)
  TUNNEL_KEY_TTL              Peer key cache TTL (default: 5m)
  TUNNEL_MAX_CONCURRENT       Requests served at once (default: 8)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
