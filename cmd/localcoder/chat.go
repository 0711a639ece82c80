package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/localcoder/pkg/agent"
	"github.com/Protocol-Lattice/localcoder/pkg/prompt"
	"github.com/Protocol-Lattice/localcoder/pkg/runtime"
)

const chatHelp = `Commands:
  /exit         quit
  /model [ref]  show the model or switch to provider:model
  /md           generate CONTEXT.md for this project
  /new          start a new conversation
  /tools        list the filesystem tools
  /help         show this help`

func newChatCmd(a *app) *cobra.Command {
	var (
		maxTokens int
		noMCP     bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session; type /exit to quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, noMCP)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !noMCP {
				a.reportTools(ctx, rt)
			}
			repl := &chatREPL{app: a, rt: rt, maxTokens: maxTokens, noTools: noMCP, scanner: bufio.NewScanner(a.in)}
			return repl.run(ctx)
		},
	}
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 0, "maximum tokens to generate (default from config)")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "disable the MCP filesystem server")
	return cmd
}

// chatREPL reads one line per turn. The session id is kept across turns and
// reset by /new.
type chatREPL struct {
	app       *app
	rt        *runtime.Runtime
	maxTokens int
	noTools   bool
	scanner   *bufio.Scanner
	sessionID string
}

var errQuit = errors.New("quit")

func (c *chatREPL) run(ctx context.Context) error {
	c.app.ui.println("Starting interactive chat session. Type /exit to quit, /help for commands.")
	for {
		line, ok := c.readLine(ctx, "\nYou: ")
		if !ok {
			c.app.ui.println("\nGoodbye!")
			return nil
		}
		if err := c.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				c.app.ui.println("Goodbye!")
				return nil
			}
			if ctx.Err() != nil {
				c.app.ui.println("\nGoodbye!")
				return nil
			}
			c.app.ui.fail(err)
		}
	}
}

func (c *chatREPL) readLine(ctx context.Context, label string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	fmt.Fprint(c.app.out, label)
	if !c.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.scanner.Text()), true
}

// handle processes one input line.
func (c *chatREPL) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "/") {
		return c.command(ctx, line)
	}

	resp, err := c.rt.Chat(ctx, runtime.ChatRequest{
		Message:   line,
		SessionID: c.sessionID,
		MaxTokens: c.maxTokens,
		NoTools:   c.noTools,
		OnEvent:   c.app.ui.progress,
	})
	if err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	c.app.ui.warnings(resp.Warnings)
	c.app.ui.println("\nAssistant:")
	c.app.ui.markdown(resp.Reply)
	c.app.ui.summary(resp.Result)
	if resp.Result != nil && resp.Result.Status == agent.StatusCancelled {
		return resp.Result.Err()
	}
	return nil
}

func (c *chatREPL) command(ctx context.Context, line string) error {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "/exit", "/quit":
		return errQuit
	case "/help":
		c.app.ui.println(chatHelp)
	case "/new":
		if c.sessionID != "" {
			c.rt.RemoveSession(c.sessionID)
		}
		c.sessionID = ""
		c.app.ui.println("Started a new conversation.")
	case "/tools":
		status := c.rt.Tools(ctx)
		if !status.Connected {
			c.app.ui.println("No tools available.")
			return nil
		}
		c.app.ui.println(fmt.Sprintf("%d tools: %s", len(status.Tools), strings.Join(status.Tools, ", ")))
	case "/model":
		return c.model(ctx, arg)
	case "/md":
		return c.contextFile(ctx)
	default:
		c.app.ui.println("Unknown command " + name + ". " + chatHelp)
	}
	return nil
}

func (c *chatREPL) model(ctx context.Context, ref string) error {
	c.app.ui.println("Current model: " + c.app.cfg.Provider + ":" + c.app.cfg.Model + " (" + c.rt.Engine().Name() + ")")
	if ref == "" {
		var ok bool
		ref, ok = c.readLine(ctx, "Enter provider:model to switch, or press Enter to keep the current model: ")
		if !ok || ref == "" {
			c.app.ui.println("Keeping current model.")
			return nil
		}
	}
	if err := c.app.switchModel(ctx, c.rt, "", ref); err != nil {
		return err
	}
	c.app.ui.println("Switched to: " + c.app.cfg.Provider + ":" + c.app.cfg.Model)
	return nil
}

func (c *chatREPL) contextFile(ctx context.Context) error {
	c.app.ui.info("Generating %s by reading the project files...", prompt.ContextFileName)
	md, err := c.rt.GenerateContextFile(ctx, c.maxTokens)
	if err != nil {
		return err
	}
	c.app.ui.markdown(md)

	answer, ok := c.readLine(ctx, "Write "+prompt.ContextFileName+"? [y/N]: ")
	if !ok || !strings.HasPrefix(strings.ToLower(answer), "y") {
		c.app.ui.println("Write cancelled.")
		return nil
	}
	path, err := prompt.WriteContextFile(c.rt.WorkDir(), md)
	if err != nil {
		return err
	}
	c.app.ui.println(path + " has been created. It will be added to future prompts.")
	return nil
}
