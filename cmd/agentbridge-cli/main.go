// Command agentbridge-cli is an interactive terminal client for an
// AgentBridge server: it streams run envelopes to the terminal, prompts for
// suspension resolutions, and records approval decisions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Strob0t/AgentBridge/internal/client"
	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	serverURL := flag.String("server", "http://localhost:8080", "AgentBridge server URL")
	threadID := flag.String("thread", "", "thread id to continue (default: new thread)")
	verbose := flag.Bool("verbose", false, "print every envelope, not just text")
	flag.Parse()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("agentbridge-cli is interactive; stdin must be a terminal")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := client.New(*serverURL, client.WithLogger(log))
	sess := client.NewSession(c, *threadID)

	fmt.Println("agentbridge-cli — type a message, or /help for commands")

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			fmt.Println()
			return stdin.Err()
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(sess, c, line); quit {
				return nil
			}
			continue
		}

		err := sess.Send(context.Background(), line, renderFunc(sess, stdin, *verbose))
		if err != nil {
			fmt.Fprintln(os.Stderr, "run failed:", err)
		}
		fmt.Println()
	}
}

// renderFunc prints the streamed reply and handles suspension prompts inline.
func renderFunc(sess *client.Session, stdin *bufio.Scanner, verbose bool) func(protocol.Event) {
	return func(ev protocol.Event) {
		switch e := ev.(type) {
		case *protocol.TextMessageContentEvent:
			fmt.Print(e.Delta)
		case *protocol.TextMessageEndEvent:
			fmt.Println()
		case *protocol.ToolCallStartEvent:
			fmt.Printf("[tool call: %s]\n", e.Name)
		case *protocol.StateSnapshotEvent:
			if verbose {
				printJSON("state snapshot", e.Snapshot)
			}
		case *protocol.StateDeltaEvent:
			if verbose {
				printJSON("state delta", e.Delta)
			}
		case *protocol.CustomEvent:
			if e.Name == protocol.CustomNameSuspension {
				promptResolution(sess, stdin, e.Value)
			}
		case *protocol.RunErrorEvent:
			fmt.Fprintf(os.Stderr, "\n[run error %s] %s\n", e.Code, e.Message)
		default:
			if verbose {
				fmt.Printf("[%s seq=%d]\n", ev.Type(), ev.Envelope().Seq)
			}
		}
	}
}

// promptResolution asks the operator for the suspension answer and resumes
// the run in place.
func promptResolution(sess *client.Session, stdin *bufio.Scanner, payload json.RawMessage) {
	fmt.Println("\n-- agent is waiting for input --")
	printJSON("request", payload)
	fmt.Print("answer> ")
	if !stdin.Scan() {
		return
	}
	answer := strings.TrimSpace(stdin.Text())

	value, err := json.Marshal(answer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode answer:", err)
		return
	}
	if err := sess.Resolve(context.Background(), value); err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
	}
}

// command handles slash commands; returns true to quit.
func command(sess *client.Session, c *client.Client, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Print(`Commands:
  /state            show the reconciled local state
  /approve <id>     approve a pending action
  /reject <id>      reject a pending action
  /replay           replay the last run's persisted envelopes
  /quit             exit
`)
	case "/state":
		printJSON("state", sess.State())
	case "/approve", "/reject":
		if len(fields) != 2 {
			fmt.Fprintf(os.Stderr, "usage: %s <action-id>\n", fields[0])
			return false
		}
		decide(sess, c, fields[0] == "/approve", fields[1])
	case "/replay":
		runID := sess.LastRunID()
		if runID == "" {
			fmt.Fprintln(os.Stderr, "no run yet")
			return false
		}
		events, err := c.RunEvents(context.Background(), runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			return false
		}
		for _, ev := range events {
			fmt.Printf("[%d] %s\n", ev.Envelope().Seq, ev.Type())
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", fields[0])
	}
	return false
}

// decide records the decision locally (it rides in the next request) and
// mirrors it to the server ledger for the audit trail when a run exists.
func decide(sess *client.Session, c *client.Client, approve bool, actionID string) {
	verb := "rejected"
	if approve {
		sess.Approve(actionID)
		verb = "approved"
	} else {
		sess.Reject(actionID)
	}

	if runID := sess.LastRunID(); runID != "" {
		var err error
		if approve {
			err = c.Approve(context.Background(), runID, actionID)
		} else {
			err = c.Reject(context.Background(), runID, actionID)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "server ledger:", err)
		}
	}
	fmt.Printf("%s %s\n", verb, actionID)
}

func printJSON(label string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		return
	}
	fmt.Printf("%s:\n%s\n", label, data)
}
