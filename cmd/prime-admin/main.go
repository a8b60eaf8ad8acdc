// ABOUTME: Admin CLI for the prime-gateway approval queue and presence
// ABOUTME: Talks the WebSocket protocol with a JWT from the environment

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/prime-gateway/internal/client"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/registry"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "approvals":
		err = cmdApprovals(ctx)
	case "approve":
		err = cmdResolve(ctx, "node.approvals.approve", args)
	case "reject":
		err = cmdResolve(ctx, "node.approvals.reject", args)
	case "presence":
		err = cmdPresence(ctx)
	case "resolve":
		err = cmdBindingResolve(ctx, args)
	case "watch":
		err = cmdWatch(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: prime-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  approvals                      List pending approvals")
	fmt.Println("  approve <queue-id> [reason]    Approve a queued execution")
	fmt.Println("  reject <queue-id> [reason]     Reject a queued execution")
	fmt.Println("  presence                       List connected clients")
	fmt.Println("  resolve <channel> [account] [peer]  Resolve a channel binding")
	fmt.Println("  watch [prefix]                 Stream gateway events")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PRIME_GATEWAY_URL    WebSocket URL (default ws://127.0.0.1:8400/ws)")
	fmt.Println("  PRIME_GATEWAY_TOKEN  JWT for authentication (required)")
}

// connect dials the gateway with credentials from the environment.
func connect(ctx context.Context) (*client.Client, error) {
	url := os.Getenv("PRIME_GATEWAY_URL")
	if url == "" {
		url = "ws://127.0.0.1:8400/ws"
	}
	token := os.Getenv("PRIME_GATEWAY_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("PRIME_GATEWAY_TOKEN is not set")
	}

	c := client.New(client.Config{
		URL:    url,
		Token:  token,
		Client: protocol.ClientInfo{Name: "prime-admin", Version: version},
	})
	go func() { _ = c.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	return c, nil
}

func colorRisk(risk string) string {
	switch risk {
	case node.RiskCritical:
		return color.New(color.FgRed, color.Bold).Sprint(risk)
	case node.RiskHigh:
		return color.RedString(risk)
	case node.RiskMedium:
		return color.YellowString(risk)
	default:
		return color.GreenString(risk)
	}
}

func cmdApprovals(ctx context.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Request(ctx, "node.approvals.list", nil, "")
	if err != nil {
		return err
	}

	var list struct {
		Approvals []struct {
			QueueID     string    `json:"queue_id"`
			ExecutionID string    `json:"execution_id"`
			NodeID      string    `json:"node_id"`
			Command     string    `json:"command"`
			RiskLevel   string    `json:"risk_level"`
			ExpiresAt   time.Time `json:"expires_at"`
		} `json:"approvals"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(list.Approvals) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE ID\tNODE\tCOMMAND\tRISK\tEXPIRES")
	for _, a := range list.Approvals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.QueueID, a.NodeID, a.Command, colorRisk(a.RiskLevel),
			a.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func cmdResolve(ctx context.Context, method string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("queue id required")
	}
	queueID := args[0]
	reason := strings.Join(args[1:], " ")

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Request(ctx, method, map[string]any{
		"queue_id": queueID,
		"reason":   reason,
	}, uuid.New().String())
	if err != nil {
		return err
	}

	var resolved node.ResolveResult
	if err := json.Unmarshal(result, &resolved); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if resolved.Status == "approved" {
		color.Green("approved execution %s", resolved.ExecutionID)
	} else {
		color.Yellow("%s execution %s", resolved.Status, resolved.ExecutionID)
	}
	return nil
}

func cmdPresence(ctx context.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Request(ctx, "presence.list", nil, "")
	if err != nil {
		return err
	}

	var presence struct {
		Connections []registry.PresenceEntry `json:"connections"`
	}
	if err := json.Unmarshal(result, &presence); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(presence.Connections) == 0 {
		fmt.Println("No connections.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tROLE\tCLIENT\tCAPS\tCONNECTED")
	for _, p := range presence.Connections {
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n",
			p.Subject, p.Role, p.Client.Name, p.Client.Version,
			strings.Join(p.Caps, ","),
			p.ConnectedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}

func cmdBindingResolve(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("channel required")
	}
	params := map[string]any{"channel": args[0]}
	if len(args) > 1 {
		params["account_id"] = args[1]
	}
	if len(args) > 2 {
		params["peer"] = args[2]
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Request(ctx, "bindings.resolve", params, "")
	if err != nil {
		return err
	}

	var resolution struct {
		AgentID   string `json:"agent_id"`
		BindingID string `json:"binding_id"`
	}
	if err := json.Unmarshal(result, &resolution); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("agent:   %s\n", resolution.AgentID)
	fmt.Printf("binding: %s\n", resolution.BindingID)
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	prefixes := args
	if len(prefixes) == 0 {
		prefixes = nil
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Request(ctx, "events.subscribe", map[string]any{
		"prefixes": prefixes,
	}, ""); err != nil {
		return err
	}

	fmt.Println("streaming events, ^C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.Events():
			payload := string(env.Payload)
			if payload == "" {
				payload = "{}"
			}
			fmt.Printf("%s %s %s\n",
				color.HiBlackString(time.Now().Format("15:04:05")),
				color.CyanString(env.Event),
				payload)
		}
	}
}
