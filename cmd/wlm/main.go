package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"wlmigrate/internal/app"
	"wlmigrate/internal/config"
	"wlmigrate/internal/db"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/migrate"
	"wlmigrate/internal/server"
	"wlmigrate/internal/telemetry"
	"wlmigrate/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "wlm",
	Short: "Work-item migration engine",
	Long: `wlmigrate imports work items from external tools (Jira, Linear, GitHub and others)
into destination projects.

- Mapping snapshot: how source states, priorities, users, labels and teams map to the
  destination. Frozen once a job starts.
- Job: one import run. It pulls the source in batches, transforms each batch through the
  snapshot and pushes it. Failed or cancelled jobs can be re-run and resume after the
  last pushed batch.
- Workers: stateless processes that pick up runnable jobs ('wlm worker' or 'wlm serve --workers').`,
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
	if err := telemetry.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry:", err)
	}
	err := rootCmd.ExecuteContext(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetry.Shutdown(shutdownCtx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WLM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/wlmigrate.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("redis-url", "", "share job locks through redis (overrides redis.url)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "redis-url", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(dbCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default wlmigrate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, optionally with an in-process worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					WebhookSecret:    viper.GetString("webhook-secret"),
					Logger:           rt.Engine.Logger,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("WLM_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Engine.Logger.Info("serving API", "addr", addr, "base_path", basePath, "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if workers > 0 {
					pool := newPool(rt, workers)
					g.Go(func() error { return pool.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 0, "in-process worker concurrency (0 disables)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env WLM_JWT_SECRET)")
	cmd.Flags().String("webhook-secret", "", "HMAC secret for inbox deliveries (env WLM_WEBHOOK_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("webhook-secret", cmd.Flags().Lookup("webhook-secret"))
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run jobs in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pool := newPool(rt, concurrency)
				if once {
					n, err := pool.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Processed %d job(s)\n", n)
					return nil
				}
				return pool.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drive currently runnable jobs and exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel jobs (default workers.concurrency)")
	return cmd
}

func newPool(rt *app.Runtime, concurrency int) *worker.Pool {
	if concurrency <= 0 {
		concurrency = rt.Config.Workers.Concurrency
	}
	return worker.New(rt.Engine, rt.Engine.Repo, concurrency, rt.Config.Workers.PollInterval, rt.Engine.Logger)
}

func dbCmd() *cobra.Command {
	dbc := &cobra.Command{Use: "db", Short: "Database maintenance"}
	dbc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, latest, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(workspace), "applied": applied, "latest": latest})
			}
			fmt.Printf("%s: schema version %d of %d\n", db.Path(workspace), applied, latest)
			if applied < latest {
				fmt.Println("pending migrations run on the next command that opens the workspace")
			}
			return nil
		},
	})
	return dbc
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		RedisURL:   viper.GetString("redis-url"),
		Logger:     app.NewLogger(viper.GetString("log-level"), viper.GetBool("log-json")),
		Owner:      hostOwner(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func hostOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wlm"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
