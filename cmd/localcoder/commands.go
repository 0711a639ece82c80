package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/localcoder/pkg/runtime"
	"github.com/Protocol-Lattice/localcoder/pkg/server"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		maxTokens int
		noMCP     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a coding question; reference files with @path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, noMCP)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !noMCP {
				a.reportTools(ctx, rt)
			}
			answer, err := rt.Ask(ctx, runtime.Request{
				Prompt:    strings.Join(args, " "),
				MaxTokens: maxTokens,
				NoTools:   noMCP,
				OnEvent:   a.ui.progress,
			})
			if err != nil {
				return err
			}
			a.ui.warnings(answer.Warnings)
			a.ui.markdown(answer.Text)
			a.ui.summary(answer.Result)
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 0, "maximum tokens to generate (default from config)")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "disable the MCP filesystem server")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "edit <request>",
		Short: "Request code changes; the model edits files through the filesystem tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			a.reportTools(ctx, rt)
			a.ui.info("Generating changes...")
			answer, err := rt.Edit(ctx, runtime.Request{
				Prompt:    strings.Join(args, " "),
				MaxTokens: maxTokens,
				OnEvent:   a.ui.progress,
			})
			if err != nil {
				return err
			}
			a.ui.warnings(answer.Warnings)
			a.ui.markdown(answer.Text)
			a.ui.summary(answer.Result)
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", runtime.DefaultEditMaxTokens, "maximum tokens to generate")
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show the configured model or set a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if set != "" {
				if err := a.switchModel(cmd.Context(), nil, "", set); err != nil {
					return err
				}
				a.ui.println("Model updated: " + a.cfg.Provider + ":" + a.cfg.Model)
				a.ui.println("Config: " + a.configPath)
				return nil
			}
			a.printModel()
			return nil
		},
	}
	cmd.Flags().StringVarP(&set, "set", "s", "", "model to use, as provider:model or a bare model name")
	return cmd
}

func (a *app) printModel() {
	cfg := a.cfg
	a.ui.println(titleStyle.Render("Current model configuration:"))
	a.ui.println("  Provider:       " + cfg.Provider)
	a.ui.println("  Model:          " + cfg.Model)
	if cfg.BaseURL != "" {
		a.ui.println("  Base URL:       " + cfg.BaseURL)
	}
	a.ui.println(fmt.Sprintf("  Context size:   %d", cfg.ContextSize))
	a.ui.println(fmt.Sprintf("  Max tokens:     %d", cfg.MaxTokens))
	a.ui.println(fmt.Sprintf("  Max iterations: %d", cfg.MaxIterations))
	server, _ := a.toolServer()
	a.ui.println("  Tool server:    " + strings.TrimSpace(server.Command+" "+strings.Join(server.Args, " ")))
	a.ui.println("  Config file:    " + a.configPath)
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve ask, chat, edit and model tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := server.New(rt, server.Options{
				Version: version,
				Logger:  a.logger,
				Model:   func() server.ModelInfo { return a.modelInfo(rt) },
				SetModel: func(ctx context.Context, provider, model string) (server.ModelInfo, error) {
					if err := a.switchModel(ctx, rt, provider, model); err != nil {
						return server.ModelInfo{}, err
					}
					return a.modelInfo(rt), nil
				},
			})
			if err != nil {
				return err
			}
			return srv.Serve(ctx, a.in, a.out)
		},
	}
}

func (a *app) modelInfo(rt *runtime.Runtime) server.ModelInfo {
	return server.ModelInfo{
		Provider:    a.cfg.Provider,
		Model:       a.cfg.Model,
		Engine:      rt.Engine().Name(),
		BaseURL:     a.cfg.BaseURL,
		ContextSize: a.cfg.ContextSize,
		MaxTokens:   a.cfg.MaxTokens,
	}
}

func (a *app) reportTools(ctx context.Context, rt *runtime.Runtime) {
	a.ui.info("Connecting to MCP filesystem server...")
	status := rt.Tools(ctx)
	if status.Connected {
		a.ui.info("MCP connected (%d tools available)", len(status.Tools))
		return
	}
	a.ui.warn("MCP unavailable, no tools will be available")
}
