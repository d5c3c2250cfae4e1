package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/hearth/internal/config"
	"github.com/stellarlinkco/hearth/internal/gateway"
	"github.com/stellarlinkco/hearth/internal/memory"
)

// SummarizerFactory builds the Summarizer used by a command. A nil factory
// uses the configured language-model provider.
type SummarizerFactory func(cfg *config.Config) (memory.Summarizer, error)

type app struct {
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
	summarizer SummarizerFactory
	stderr     io.Writer
}

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(factory SummarizerFactory) *cobra.Command {
	a := &app{summarizer: factory, stderr: os.Stderr}

	root := &cobra.Command{
		Use:          "hearth",
		Short:        "hearth - layered memory for a personal assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.hearth/config.toml)")

	root.AddCommand(
		a.initCmd(),
		a.serveCmd(),
		a.ingestCmd(),
		a.contextCmd(),
		a.condenseCmd(),
		a.knowledgeCmd(),
		a.coreCmd(),
		a.statusCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.LoadConfigFile(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = newLogger(cfg.Log, a.stderr)
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func (a *app) buildSummarizer() (memory.Summarizer, error) {
	if a.summarizer == nil {
		return nil, nil
	}
	return a.summarizer(a.cfg)
}

// withService opens the store, runs fn and then drains any background work
// fn scheduled before closing everything.
func (a *app) withService(ctx context.Context, fn func(ctx context.Context, svc *memory.Service) error) error {
	sum, err := a.buildSummarizer()
	if err != nil {
		return err
	}
	store, svc, err := gateway.OpenService(a.cfg, sum, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	runErr := fn(ctx, svc)

	drainCtx, cancel := context.WithTimeout(context.Background(), config.Duration(a.cfg.Gateway.DrainTimeout, 30*time.Second))
	defer cancel()
	if err := svc.Close(drainCtx); err != nil {
		a.log.Warn().Err(err).Int("pending", svc.Pending()).Msg("background work abandoned")
	}
	return runErr
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "Config already exists: %s\n", path)
				return nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(out, "Created config: %s\n", path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Edit %s to set your API key\n", path)
			fmt.Fprintln(out, "  2. Or set HEARTH_PROVIDER_API_KEY / ANTHROPIC_API_KEY")
			fmt.Fprintln(out, "  3. Run 'hearth serve'")
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, channels and the background sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.summarizer == nil && a.cfg.Provider.APIKey == "" {
				return fmt.Errorf("API key not set. Run 'hearth init' or set HEARTH_PROVIDER_API_KEY / ANTHROPIC_API_KEY")
			}
			sum, err := a.buildSummarizer()
			if err != nil {
				return err
			}
			gw, err := gateway.NewWithOptions(a.cfg, gateway.Options{Summarizer: sum, Logger: a.log})
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func (a *app) ingestCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "ingest <user> <content...>",
		Short: "Store a message and run any condensation it triggers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				ack, err := svc.Ingest(ctx, memory.IngestRequest{
					UserID:   args[0],
					UserName: name,
					Content:  strings.Join(args[1:], " "),
					Role:     memory.Role(role),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored message %d (seq %d) for %s\n", ack.MessageID, ack.Seq, ack.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name of the sender")
	cmd.Flags().StringVarP(&role, "role", "r", string(memory.RoleUser), "message role: user or bot")
	return cmd
}

func (a *app) contextCmd() *cobra.Command {
	var asJSON bool
	var minImportance float64
	cmd := &cobra.Command{
		Use:   "context <user>",
		Short: "Print the assembled memory context of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				var opts memory.ContextOptions
				if cmd.Flags().Changed("min-importance") {
					opts.MinImportance = memory.AtLeast(minImportance)
				}
				pkg, err := svc.Context(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), pkg)
				}
				if pkg.Text == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "(no memories)")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), pkg.Text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the structured package")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "hide core memories below this importance")
	return cmd
}

func (a *app) condenseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "condense <user> <short|mid|long>",
		Short: "Condense one tier of a user now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				out, err := svc.Condense(ctx, args[0], memory.Tier(args[1]))
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if !out.Condensed {
					fmt.Fprintf(w, "%s: nothing to condense (%d sources available)\n", out.Tier, out.Available)
					return nil
				}
				fmt.Fprintf(w, "%s: condensed %d sources\n", out.Tier, len(out.Consumed))
				switch {
				case out.Narrative != nil:
					fmt.Fprintf(w, "narrative v%d: %s\n", out.Narrative.Version, out.Narrative.Text)
				case out.Item != nil:
					fmt.Fprintln(w, out.Item.Summary)
				}
				return nil
			})
		},
	}
}

func (a *app) knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect or extract knowledge facts",
	}

	var limit int
	extract := &cobra.Command{
		Use:   "extract <user>",
		Short: "Extract facts from a user's recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				facts, err := svc.ExtractKnowledge(ctx, args[0], limit)
				if err != nil {
					return err
				}
				printFacts(cmd.OutOrStdout(), facts)
				return nil
			})
		},
	}
	extract.Flags().IntVarP(&limit, "limit", "l", 0, "number of recent messages to read (0 uses the configured window)")

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List stored facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				facts, err := svc.Facts(ctx, args[0])
				if err != nil {
					return err
				}
				printFacts(cmd.OutOrStdout(), facts)
				return nil
			})
		},
	}

	cmd.AddCommand(extract, list)
	return cmd
}

func printFacts(w io.Writer, facts []memory.Fact) {
	if len(facts) == 0 {
		fmt.Fprintln(w, "(no facts)")
		return
	}
	for _, f := range facts {
		subject := ""
		if f.Subject != "" {
			subject = " " + f.Subject + ":"
		}
		fmt.Fprintf(w, "#%d [%s]%s %s (%.2f)\n", f.ID, f.Category, subject, f.Text, f.Confidence)
	}
}

func (a *app) coreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core",
		Short: "Manage core memories",
	}

	var minImportance float64
	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List core memories, most important first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				var filter *float64
				if cmd.Flags().Changed("min-importance") {
					filter = memory.AtLeast(minImportance)
				}
				list, err := svc.ListCoreMemories(ctx, args[0], filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(w, "(no core memories)")
					return nil
				}
				for _, m := range list {
					fmt.Fprintf(w, "#%d [%g] %s (%s)\n", m.ID, m.Importance, m.Description, m.Origin)
				}
				return nil
			})
		},
	}
	list.Flags().Float64Var(&minImportance, "min-importance", 0, "hide entries below this importance")

	var importance float64
	add := &cobra.Command{
		Use:   "add <user> <description...>",
		Short: "Add a core memory by hand",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				m, err := svc.AddCoreMemory(ctx, args[0], strings.Join(args[1:], " "), importance)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added core memory #%d\n", m.ID)
				return nil
			})
		},
	}
	add.Flags().Float64VarP(&importance, "importance", "i", memory.DefaultCoreImportance, "importance of the memory")

	del := &cobra.Command{
		Use:   "delete <user> <id>",
		Short: "Delete a core memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				if err := svc.DeleteCoreMemory(ctx, args[0], id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted core memory #%d\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, del)
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [user]",
		Short: "Show configuration, or memory counts for a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				a.printConfig(w)
				return nil
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *memory.Service) error {
				c, err := svc.Counts(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "User: %s\n", args[0])
				fmt.Fprintf(w, "Messages: %d\n", c.Messages)
				fmt.Fprintf(w, "Pending short-term: %d\n", c.PendingShort)
				fmt.Fprintf(w, "Pending mid-term: %d\n", c.PendingMid)
				fmt.Fprintf(w, "Pending long-term: %d\n", c.PendingLong)
				fmt.Fprintf(w, "Narrative version: %d\n", c.NarrativeVersion)
				fmt.Fprintf(w, "Core extracted through version: %d\n", c.CoreVersion)
				fmt.Fprintf(w, "Facts: %d\n", c.Facts)
				fmt.Fprintf(w, "Core memories: %d\n", c.CoreMemories)
				return nil
			})
		},
	}
}

func (a *app) printConfig(w io.Writer) {
	cfg := a.cfg
	path := a.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(w, "Config: %s\n", path)
	fmt.Fprintf(w, "Database: %s\n", cfg.Memory.DBPath)
	fmt.Fprintf(w, "Model: %s\n", cfg.Summarizer.Model)
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	t := cfg.Memory.Thresholds
	fmt.Fprintf(w, "Thresholds: short=%d mid=%d long=%d\n", t.Short, t.Mid, t.Long)
	fmt.Fprintf(w, "WebSocket: enabled=%v path=%s\n", cfg.Channels.WebSocket.Enabled, cfg.Channels.WebSocket.Path)
	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
