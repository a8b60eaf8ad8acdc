// ABOUTME: Entry point for prime-node, the command-submitting agent
// ABOUTME: Submits executions to the gateway and follows them through approval

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/prime-gateway/internal/client"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/protocol"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: prime-node <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run -- <command> [args...]  Submit a command for execution")
		fmt.Println("  watch                       Stream this node's execution events")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runSubmit(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// connect builds the client from config and waits for the handshake.
func connect(ctx context.Context, cfg *Config) (*client.Client, error) {
	c := client.New(client.Config{
		URL:    cfg.Gateway.URL,
		Token:  cfg.Gateway.Token,
		Client: protocol.ClientInfo{Name: "prime-node", Version: version},
		Caps:   cfg.Node.Caps,
		Logger: setupLogger(cfg.Logging.Level),
	})
	go func() { _ = c.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	return c, nil
}

func runSubmit(ctx context.Context, args []string) error {
	// Everything after "--" is the command line.
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		return fmt.Errorf("no command given; usage: prime-node run -- <command> [args...]")
	}

	cfg, err := Load(configPath())
	if err != nil {
		return err
	}

	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// Subscribe before submitting so no lifecycle event is missed.
	if _, err := c.Request(ctx, "events.subscribe", map[string]any{
		"prefixes": []string{"node.execution."},
	}, ""); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	command := args[0]
	cmdArgs := strings.Join(args[1:], " ")

	result, err := c.Request(ctx, "node.execute", map[string]any{
		"node_id":            cfg.Node.ID,
		"command":            command,
		"args":               cmdArgs,
		"working_dir":        cfg.Node.WorkingDir,
		"auto_approve_rules": cfg.Node.AutoApproveRules,
	}, uuid.New().String())
	if err != nil {
		return fmt.Errorf("submitting execution: %w", err)
	}

	var exec node.ExecuteResult
	if err := json.Unmarshal(result, &exec); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	printStatus(&exec)
	if exec.Status == "pending_approval" {
		fmt.Printf("  queue id: %s\n", exec.ApprovalQueueID)
		fmt.Println("  waiting for an operator...")
	}

	return followExecution(ctx, c, exec.ExecutionID)
}

// followExecution prints lifecycle events for one execution until it ends.
func followExecution(ctx context.Context, c *client.Client, executionID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.Events():
			var ev node.ExecutionEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ExecutionID != executionID {
				continue
			}
			switch env.Event {
			case node.EventApproved:
				color.Green("approved (%s)", approvedBy(&ev))
			case node.EventRejected:
				color.Red("rejected: %s", ev.Reason)
				return fmt.Errorf("execution rejected")
			case node.EventStarted:
				color.Cyan("running...")
			case node.EventCompleted:
				color.Green("completed (exit %d)", exitCode(&ev))
				return nil
			case node.EventFailed:
				color.Red("failed (exit %d) %s", exitCode(&ev), ev.Error)
				return fmt.Errorf("execution failed")
			}
		}
	}
}

func approvedBy(ev *node.ExecutionEvent) string {
	if ev.AutoApproved {
		return "auto: " + ev.Reason
	}
	if ev.ResolvedBy != "" {
		return "by " + ev.ResolvedBy
	}
	return "unknown"
}

func exitCode(ev *node.ExecutionEvent) int {
	if ev.ExitCode != nil {
		return *ev.ExitCode
	}
	return -1
}

func printStatus(exec *node.ExecuteResult) {
	risk := exec.RiskLevel
	switch risk {
	case node.RiskCritical:
		risk = color.New(color.FgRed, color.Bold).Sprint(risk)
	case node.RiskHigh:
		risk = color.RedString(risk)
	case node.RiskMedium:
		risk = color.YellowString(risk)
	default:
		risk = color.GreenString(risk)
	}
	fmt.Printf("execution %s  status=%s  risk=%s\n", exec.ExecutionID, exec.Status, risk)
}

func runWatch(ctx context.Context) error {
	cfg, err := Load(configPath())
	if err != nil {
		return err
	}

	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Request(ctx, "events.subscribe", map[string]any{
		"prefixes": []string{"node.execution."},
	}, ""); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	fmt.Printf("watching executions for node %s\n", cfg.Node.ID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.Events():
			var ev node.ExecutionEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				continue
			}
			if ev.NodeID != "" && ev.NodeID != cfg.Node.ID {
				continue
			}
			fmt.Printf("%s %s execution=%s command=%s risk=%s\n",
				time.Now().Format("15:04:05"),
				strings.TrimPrefix(env.Event, "node.execution."),
				ev.ExecutionID, ev.Command, ev.RiskLevel)
		}
	}
}
