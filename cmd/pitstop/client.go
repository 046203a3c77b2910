package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/igoryan-dao/pitstop/internal/api"
	"github.com/igoryan-dao/pitstop/internal/browser"
	"github.com/igoryan-dao/pitstop/internal/config"
	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/install"
	"github.com/igoryan-dao/pitstop/internal/mcp"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/paths"
	"github.com/igoryan-dao/pitstop/internal/telemetry"
	"github.com/igoryan-dao/pitstop/internal/tui"
)

var (
	submitCreds string
	replyOwner  string
	watchEvery  time.Duration
	installAddr string
)

var submitCmd = &cobra.Command{
	Use:   "submit <owner> <flow>",
	Short: "Queue a new session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		s, err := c.Submit(cmd.Context(), api.SubmitRequest{Owner: args[0], Flow: args[1], CredentialsRef: submitCreds})
		if err != nil {
			return err
		}
		fmt.Println(s.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session with its history and log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		s, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		logs, err := c.Logs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printMarkdown(format.Report(s, logs))
	},
}

var listCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List an owner's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return tui.Snapshot(cmd.Context(), c, args[0], os.Stdout)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		if err := c.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <session-id> <text>",
	Short: "Answer a paused session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		resp, err := c.Reply(cmd.Context(), args[0], api.ReplyRequest{Owner: replyOwner, Text: strings.Join(args[1:], " ")})
		if resp.Status == notify.ReplyRejected {
			return errors.New(resp.Error)
		}
		if resp.Status != "" {
			fmt.Println(format.ReplyAck(string(resp.Status), resp.SessionID, resp.Candidates))
		}
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <owner>",
	Short: "Live dashboard of an owner's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return tui.Run(cmd.Context(), c, args[0], watchEvery, os.Stdout)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP protocol on stdio, backed by a running pitstop server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		logger := telemetry.NewLogger("info", "json", os.Stderr)
		return mcp.NewServer(c, version, logger).Run(cmd.Context(), os.Stdin, os.Stdout)
	},
}

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Validate and list the flows in browser.flows_dir",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flows, err := browser.LoadFlows(cfg.Browser.FlowsDir)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(flows))
		for n := range flows {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("%-24s %d steps\n", n, len(flows[n].Steps))
		}
		return nil
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Show or edit owner chat bindings",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		book, err := openContacts()
		if err != nil {
			return err
		}
		for _, owner := range book.Owners() {
			for _, b := range book.Lookup(owner) {
				fmt.Printf("%-20s %-10s %s\n", owner, b.Channel, b.Address)
			}
		}
		return nil
	},
}

var bindCmd = &cobra.Command{
	Use:   "bind <owner> <telegram|discord|bridge> <address>",
	Short: "Send an owner's prompts to a chat",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		book, err := openContacts()
		if err != nil {
			return err
		}
		return book.Bind(args[0], contacts.Channel(args[1]), args[2])
	},
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <owner> <telegram|discord|bridge>",
	Short: "Stop sending an owner's prompts to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		book, err := openContacts()
		if err != nil {
			return err
		}
		return book.Unbind(args[0], contacts.Channel(args[1]))
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register `pitstop mcp` with the MCP clients on this machine",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		executable, err := os.Executable()
		if err != nil {
			return err
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		addr := installAddr
		if addr == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			addr = cfg.HTTP.Addr
		}
		logger := telemetry.NewLogger("info", "console", os.Stderr)
		names, err := install.Install(install.UserConfigPaths(home, runtime.GOOS), install.Entry(executable, addr), logger)
		if err != nil {
			return err
		}
		fmt.Printf("✨ Configured %s. Restart them to pick up pitstop.\n", strings.Join(names, ", "))
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitCreds, "creds", "", "Secrets vault key for the flow")
	replyCmd.Flags().StringVar(&replyOwner, "owner", "", "Owner answering (default: the session's owner)")
	watchCmd.Flags().DurationVar(&watchEvery, "every", 2*time.Second, "Refresh interval")
	installCmd.Flags().StringVar(&installAddr, "addr", "", "Server address written into the MCP entry (default http.addr)")
	contactsCmd.AddCommand(bindCmd, unbindCmd)
}

func openContacts() (*contacts.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return contacts.NewManager(paths.ContactsFile(cfg.DataDir))
}

// printMarkdown renders md for a terminal, or prints it raw when piped.
func printMarkdown(md string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		_, err := fmt.Print(md)
		return err
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return err
	}
	out, err := renderer.Render(md)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
