package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/contextlens/contextlens/internal/analyze"
	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/lhar"
	"github.com/contextlens/contextlens/internal/mcp"
	"github.com/contextlens/contextlens/internal/store"
	"github.com/contextlens/contextlens/internal/watch"
	"github.com/contextlens/contextlens/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(st *store.Store, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "context-lens",
		Usage:   "Inspect what your coding agent sends to the LLM API",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(st, cfg),
			mcpCmd(st, cfg),
			sessionsCmd(st),
			statsCmd(st),
			exportCmd(st),
			tagsCmd(st),
			deleteCmd(st),
			resetCmd(st),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web dashboard and ingest API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Aliases: []string{"b"}, Usage: "Bind address (overrides config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			bind := cfg.Bind
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			port := cfg.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			if cfg.CapturesDir != "" {
				w, err := watch.New(cfg.CapturesDir, st)
				if err != nil {
					return outputError(err)
				}
				if err := w.Start(); err != nil {
					return outputError(err)
				}
				defer w.Stop()
			}

			srv := web.NewServer(st, cfg, Version, bind, port)
			if err := web.Run(srv); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command. Running the binary with no arguments
// and piped stdin starts the same server.
func mcpCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio",
		Action: func(c *cli.Context) error {
			warnUnknownDisabledTools(cfg)
			if err := mcp.Run(st, cfg, Version); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// sessionsCmd creates the sessions command.
func sessionsCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List captured sessions, most recently active first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "Filter by tool (e.g. claude-code, codex, aider)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum sessions to return"},
		},
		Action: func(c *cli.Context) error {
			type sessionRow struct {
				ID          string   `json:"id"`
				Label       string   `json:"label,omitempty"`
				Source      string   `json:"source,omitempty"`
				Model       string   `json:"model,omitempty"`
				Entries     int      `json:"entries"`
				TotalTokens int      `json:"totalTokens"`
				CostUSD     float64  `json:"costUsd,omitempty"`
				Tags        []string `json:"tags,omitempty"`
			}

			source := c.String("source")
			limit := c.Int("limit")
			rows := make([]sessionRow, 0)
			for _, stat := range st.Stats() {
				if source != "" && stat.Source != source {
					continue
				}
				if limit > 0 && len(rows) >= limit {
					break
				}
				row := sessionRow{
					ID:          stat.ConversationID,
					Label:       stat.Label,
					Source:      stat.Source,
					Model:       stat.Model,
					Entries:     stat.Entries,
					TotalTokens: stat.TotalTokens,
					CostUSD:     stat.CostUSD,
				}
				if tags, err := st.GetTags(stat.ConversationID); err == nil {
					row.Tags = tags
				}
				rows = append(rows, row)
			}
			return outputJSON(map[string]any{"sessions": rows})
		},
	}
}

// statsCmd creates the stats command.
func statsCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print the context composition report as markdown",
		Action: func(c *cli.Context) error {
			fmt.Fprint(os.Stdout, analyze.StatsReport(st.Stats()))
			return nil
		},
	}
}

// exportCmd creates the export command.
func exportCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export captured sessions to an LHAR file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Destination file path"},
			&cli.StringFlag{Name: "privacy", Value: "redacted", Usage: "Privacy level: full|redacted|minimal"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Export only this session ID"},
		},
		Action: func(c *cli.Context) error {
			level, err := lhar.ParseLevel(c.String("privacy"))
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}

			var convIDs []string
			if id := c.String("session"); id != "" {
				convIDs = []string{id}
			}
			arc, err := lhar.ExportConversations(st, level, convIDs)
			if err != nil {
				return outputError(err)
			}

			f, err := os.Create(c.String("path"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer f.Close()
			if err := arc.Write(f); err != nil {
				return outputError(errors.NewInternal(err))
			}

			return outputJSON(map[string]any{
				"path":     c.String("path"),
				"privacy":  string(level),
				"sessions": len(arc.Sessions),
			})
		},
	}
}

// tagsCmd creates the tags command.
func tagsCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "tags",
		Usage:     "Show or replace a session's tags; with no session ID, list all tags",
		ArgsUsage: "[session-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "set", Usage: "Comma-separated replacement tag list (empty string clears)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				if c.IsSet("set") {
					return outputError(errors.NewInvalidRequest("--set requires a session id"))
				}
				counts, err := st.GetAllTags()
				if err != nil {
					return outputError(err)
				}
				return outputJSON(map[string]any{"tags": counts})
			}

			convID := c.Args().First()
			if c.IsSet("set") {
				if err := st.SetTags(convID, parseTags(c.String("set"))); err != nil {
					return outputError(err)
				}
			}
			tags, err := st.GetTags(convID)
			if err != nil {
				return outputError(err)
			}
			if tags == nil {
				tags = []string{}
			}
			return outputJSON(map[string]any{"conversationId": convID, "tags": tags})
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a session and its entries",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("session id is required"))
			}
			convID := c.Args().First()
			if err := st.DeleteConversation(convID); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"deleted": convID})
		},
	}
}

// resetCmd creates the reset command.
func resetCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Delete all captured data",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Skip confirmation"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") {
				return outputError(errors.NewInvalidRequest("pass --force to delete all captured data"))
			}
			if err := st.ResetAll(); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"reset": true})
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if lensErr, ok := err.(*errors.LensError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", lensErr.Code, lensErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// parseTags splits a comma-separated string into a slice of tags.
func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
