// Command toolgate is a minimal host around the tool-execution runtime:
// it validates settings, lists the tool catalog a configured runtime would
// expose, and runs single tool calls with terminal confirmation prompts.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/toolgate/pkg/bus"
	"github.com/stellarlinkco/toolgate/pkg/config"
	"github.com/stellarlinkco/toolgate/pkg/confirm"
	"github.com/stellarlinkco/toolgate/pkg/runtime"
	"github.com/stellarlinkco/toolgate/pkg/scheduler"
)

func newRootCmd() *cobra.Command {
	var (
		settingsPath string
		verbose      bool
	)

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "toolgate - agent tool-execution runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "settings.json", "path to the settings file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	buildRuntime := func() (*runtime.Runtime, error) {
		settings, err := config.Load(settingsPath)
		if err != nil {
			return nil, err
		}
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
		return runtime.New(settings, runtime.Options{Logger: log})
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the settings file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: mode=%s servers=%d allow=%d ask=%d deny=%d\n",
				settings.Mode(), len(settings.MCPServers),
				len(settings.Permissions.Allow), len(settings.Permissions.Ask), len(settings.Permissions.Deny))
			return nil
		},
	}

	tools := &cobra.Command{
		Use:   "tools",
		Short: "Start the configured MCP servers and list the tool catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.Start(cmd.Context())

			for _, decl := range rt.FunctionDeclarations() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", decl.Name, decl.Description)
			}
			if instructions := rt.Instructions(); instructions != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nserver instructions:\n%s\n", instructions)
			}
			return nil
		},
	}

	var callArgs string
	call := &cobra.Command{
		Use:   "call <tool>",
		Short: "Run one tool call, confirming on the terminal when required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if callArgs != "" {
				if err := json.Unmarshal([]byte(callArgs), &params); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.Start(cmd.Context())

			stop := bindTerminalConfirmer(rt.Bus, cmd)
			defer stop()

			results := rt.Schedule(cmd.Context(), []scheduler.Request{
				{CallID: "cli-1", Name: args[0], Args: params},
			})
			res := results[0]
			if res.Err != nil {
				return fmt.Errorf("%s: %s", res.Status, res.Err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Content)
			return nil
		},
	}
	call.Flags().StringVar(&callArgs, "args", "", "tool arguments as a JSON object")

	servers := &cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			for name, server := range settings.MCPServers {
				endpoint := server.Command
				if endpoint == "" {
					endpoint = server.URL
				}
				state := "enabled"
				if !server.IsEnabled() {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-9s %s\n", name, state, endpoint)
			}
			return nil
		},
	}

	root.AddCommand(check, tools, call, servers)
	return root
}

// bindTerminalConfirmer answers confirmation requests with a y/n prompt on
// the terminal. Everything else on the bus stays untouched.
func bindTerminalConfirmer(b *bus.Bus, cmd *cobra.Command) func() {
	reader := bufio.NewReader(cmd.InOrStdin())
	return b.Subscribe(bus.ToolConfirmationRequest, func(msg bus.Message) {
		req, ok := msg.Payload.(confirm.Request)
		if !ok {
			return
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "allow %s (%s)? [y/N] ", req.ToolCall.Name, req.Details.Kind)
		line, _ := reader.ReadString('\n')
		confirmed := strings.EqualFold(strings.TrimSpace(line), "y")
		_ = b.Publish(bus.Message{
			Type:          bus.ToolConfirmationResponse,
			CorrelationID: msg.CorrelationID,
			Payload:       confirm.Response{Confirmed: confirmed},
		})
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
