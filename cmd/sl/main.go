package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stormline/internal/app"
	"stormline/internal/config"
	"stormline/internal/db"
	"stormline/internal/domain"
	"stormline/internal/mcp"
	"stormline/internal/progress"
	"stormline/internal/server"
	stormlinesdk "stormline/sdk/go"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stormline CLI",
	Long: `Stormline turns a product requirements document into domain-driven design artifacts.
- Event storming: events, commands, actors, policies and aggregates with their flow, plus a Mermaid diagram.
- Discussion: a short virtual conversation between collaborators about the model.
- Example mapping: stories, rules, examples and open questions.
- Extended mode adds a ubiquitous-language glossary and a work plan with tickets, milestones and sprints.
- Shares: analyses stored in the workspace database and reachable by a short link.
Configuration lives in stormline.yml in the workspace; create one with 'sl config init'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("provider", "", "llm provider override (openai, gemini, simulate)")
	rootCmd.PersistentFlags().String("model", "", "llm model override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	rootCmd.PersistentFlags().Bool("extended", false, "run the extended pipeline (glossary and work plan)")
	for _, name := range []string{"workspace", "json", "provider", "model", "log-level", "extended"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(mcpCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, progress stream and share pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			return withPipeline(cmd.Context(), cfg, os.Stderr, func(ctx context.Context, a *app.App) error {
				if _, err := a.PurgeExpired(ctx, time.Now()); err != nil {
					a.Logger.Warn("share purge failed", "err", err)
				}
				handler, err := server.New(a.ServerConfig())
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				if a.Config.Auth.JWTSecret() == "" {
					a.Logger.Warn("auth disabled; set the jwt secret env to require bearer tokens", "env", a.Config.Auth.JWTSecretEnv)
				}
				a.Logger.Info("serving stormline api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "docs", "/docs")
				fmt.Printf("Serving Stormline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var serverURL, token string
	var share, quiet bool
	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze a PRD file (or stdin) locally or against a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args)
			if err != nil {
				return err
			}
			var res domain.AnalysisResult
			var shareURL string
			if serverURL != "" {
				res, shareURL, err = analyzeRemote(cmd.Context(), serverURL, token, doc, share, quiet)
			} else {
				res, shareURL, err = analyzeLocal(cmd.Context(), doc, share, quiet)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"analysis": res, "shareUrl": shareURL})
			}
			printSummary(res, shareURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "analyze via a running server at this URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --server")
	cmd.Flags().BoolVar(&share, "share", false, "store the result and print a share link")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func readDocument(args []string) (string, error) {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stderrReporter prints progress lines while a local analysis runs.
type stderrReporter struct{ quiet bool }

func (r stderrReporter) Publish(p progress.Progress) {
	if !r.quiet {
		fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p.Percentage(), p.Description)
	}
}
func (r stderrReporter) Complete()      {}
func (r stderrReporter) Fail(err error) { fmt.Fprintln(os.Stderr, "analysis failed:", err) }

func analyzeLocal(ctx context.Context, doc string, share, quiet bool) (domain.AnalysisResult, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return domain.AnalysisResult{}, "", err
	}
	var res domain.AnalysisResult
	var shareURL string
	err = withPipeline(ctx, cfg, os.Stderr, func(ctx context.Context, a *app.App) error {
		var err error
		res, err = a.Engine.Analyze(ctx, domain.AnalysisRequest{Document: doc}, stderrReporter{quiet: quiet})
		if err != nil || !share {
			return err
		}
		rec, err := a.Repo.CreateShare(ctx, doc, res)
		if err != nil {
			return err
		}
		base := cfg.Server.PublicURL
		if base == "" {
			base = "http://" + cfg.Server.Addr
		}
		shareURL = strings.TrimSuffix(base, "/") + "/share/" + rec.ID
		return nil
	})
	return res, shareURL, err
}

func analyzeRemote(ctx context.Context, serverURL, token, doc string, share, quiet bool) (domain.AnalysisResult, string, error) {
	client := stormlinesdk.New(serverURL)
	client.BearerToken = viper.GetString("token")
	if token != "" {
		client.BearerToken = token
	}
	remote, err := client.AnalyzeWithProgress(ctx, doc, func(n stormlinesdk.Notification) {
		if !quiet && n.Type == "progress" {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", n.Percentage, n.Description)
		}
	})
	if err != nil {
		return domain.AnalysisResult{}, "", err
	}
	var shareURL string
	if share {
		s, err := client.CreateShare(ctx, doc, remote)
		if err != nil {
			return domain.AnalysisResult{}, "", err
		}
		shareURL = s.ShareURL
	}
	var res domain.AnalysisResult
	b, err := json.Marshal(remote)
	if err != nil {
		return res, "", err
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return res, "", err
	}
	return res, shareURL, nil
}

func printSummary(res domain.AnalysisResult, shareURL string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Artifact", "Count", "Sample"})
	es := res.EventStorming
	tw.AppendRow(table.Row{"Events", len(es.Events), first(es.Events)})
	tw.AppendRow(table.Row{"Commands", len(es.Commands), first(es.Commands)})
	tw.AppendRow(table.Row{"Actors", len(es.Actors), first(es.Actors)})
	tw.AppendRow(table.Row{"Policies", len(es.Policies), first(es.Policies)})
	tw.AppendRow(table.Row{"Aggregates", len(es.Aggregates), first(es.Aggregates)})
	tw.AppendRow(table.Row{"Flow edges", len(es.Flow), ""})
	tw.AppendRow(table.Row{"Discussion", len(res.Discussion), ""})
	tw.AppendRow(table.Row{"Rules", len(res.ExampleMapping.Rules), first(res.ExampleMapping.Rules)})
	tw.AppendRow(table.Row{"Questions", len(res.ExampleMapping.Questions), first(res.ExampleMapping.Questions)})
	if len(res.UbiquitousLanguage) > 0 {
		tw.AppendRow(table.Row{"Glossary", len(res.UbiquitousLanguage), res.UbiquitousLanguage[0].EnglishName})
	}
	if len(res.WorkTickets) > 0 {
		tw.AppendRow(table.Row{"Work tickets", len(res.WorkTickets), res.WorkTickets[0].Title})
		tw.AppendRow(table.Row{"Milestones", len(res.Milestones), ""})
	}
	tw.Render()
	if shareURL != "" {
		fmt.Println("Share:", shareURL)
	}
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

func shareCmd() *cobra.Command {
	sh := &cobra.Command{Use: "share", Short: "Inspect and maintain stored shares"}
	sh.AddCommand(shareShowCmd())
	sh.AddCommand(shareListCmd())
	sh.AddCommand(sharePurgeCmd())
	return sh
}

func shareShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Repo.GetShare(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s  created %s\n\n", rec.ID, rec.CreatedAt)
				printSummary(rec.Analysis, "")
				return nil
			})
		},
	}
}

func shareListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListShares(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Tickets", "Created", "Last access"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Tickets, s.CreatedAt, s.AccessedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of shares")
	return cmd
}

func sharePurgeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete shares not accessed within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("older-than-days") {
					a.Config.Share.RetentionDays = days
				}
				n, err := a.PurgeExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"purged": n})
				}
				fmt.Printf("purged %d share(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", 0, "override share.retention_days")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Completed and failed analyses, created and purged shares.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage stormline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stormline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stormline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Bearer token helpers"}
	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Auth.JWTSecret()
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Auth.JWTSecretEnv)
			}
			tok, err := server.SignToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "sub", "local-user", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	auth.AddCommand(token)
	return auth
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve analyze_document and get_share as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol
			return withPipeline(cmd.Context(), cfg, os.Stderr, func(ctx context.Context, a *app.App) error {
				return mcp.Run(a.MCPHandlers(), version)
			})
		},
	}
}

// --- helpers ---

// loadConfig reads stormline.yml (defaults when absent) and applies flag and
// STORMLINE_* env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("provider"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := viper.GetString("model"); v != "" {
		cfg.LLM.Model = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if viper.GetBool("extended") {
		cfg.Pipeline.Extended = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withPipeline(ctx context.Context, cfg *config.Config, logOut io.Writer, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logOut)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.WithPipeline(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
