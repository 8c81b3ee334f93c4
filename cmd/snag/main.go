package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"snagline/internal/app"
	"snagline/internal/config"
	"snagline/internal/domain"
	"snagline/internal/engine"
	"snagline/internal/logger"
	"snagline/internal/realtime"
	"snagline/internal/realtime/bus"
	"snagline/internal/repo"
	"snagline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "snag",
	Short: "Snagline CLI",
	Long: `Snagline tracks construction snags from report to sign-off.
Core concepts:
- Snag: a defect found on site, numbered per project (query_no 1, 2, 3...).
- Roles: managers and inspectors report and edit snags, contractors mark their work complete, authorities approve.
- Status: open -> in_progress -> resolved follows the completion and approval flags; verified is set by hand.
- Authorities: a snag can name several; new snags on a project reuse the previous list unless told otherwise.
- Notifications: stored per user and pushed live over the websocket at /api/ws.
- Event log: every snag change is recorded, view with 'snag log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SNAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/snag.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(snagCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies SNAG_* environment
// overrides on top.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
		if err == nil && cfg.Database.Workspace == "" {
			cfg.Database.Workspace = workspace
		}
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Redis.URL = v
	}
	if v := viper.GetString("log-mode"); v != "" {
		cfg.Log.Mode = v
	}
	return cfg, cfg.Validate()
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API and live channel",
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
			log, err := logger.New(cfg.Log.Mode)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := realtime.NewHub(log, cfg.Live.SendTimeout)
			var live realtime.Publisher = hub
			var liveBus bus.Bus
			if cfg.Redis.URL != "" {
				liveBus, err = bus.NewRedisBus(log, cfg.Redis.URL, cfg.Redis.Channel)
				if err != nil {
					return err
				}
				defer liveBus.Close()
				live = bus.Publisher{Bus: liveBus, Local: hub, Log: log}
			}

			e, conn, err := app.Open(cfg, live, log)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := app.EnsureDefaultManager(ctx, e, cfg, log); err != nil {
				return err
			}

			secret := cfg.Auth.JWTSecret
			if secret == "" {
				secret, err = randomSecret()
				if err != nil {
					return err
				}
				log.Warn("auth.jwt_secret not set; using an ephemeral secret, tokens will not survive a restart")
			}
			handler, err := server.New(server.Config{
				Engine:          e,
				BasePath:        cfg.Server.BasePath,
				Auth:            server.AuthConfig{JWTSecret: secret, TokenTTL: cfg.Auth.TokenTTL, Logger: log},
				Hub:             hub,
				LiveSendTimeout: cfg.Live.SendTimeout,
				Log:             log,
				MaxBodyBytes:    cfg.Server.MaxBodyBytes,
				CORSOrigins:     cfg.Server.CORSOrigins,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if liveBus != nil {
				if err := liveBus.StartForwarder(gctx, func(env bus.Envelope) {
					bus.Deliver(gctx, hub, env)
				}); err != nil {
					return err
				}
			}
			hooks := server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, log)
			if hooks.Enabled() {
				g.Go(func() error { return hooks.Run(gctx) })
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			log.Info("serving Snagline API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "redis", cfg.Redis.URL != "", "webhooks", hooks.Enabled())
			fmt.Printf("Serving Snagline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userTokenCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts, "cli")
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (min 6 characters)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", "", "manager|inspector|contractor|authority")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var roles []domain.Role
				if role != "" {
					r, err := domain.ParseRole(role)
					if err != nil {
						return err
					}
					roles = append(roles, r)
				}
				users, err := e.Repo.ListUsers(ctx, roles...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func userTokenCmd() *cobra.Command {
	var email string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or SNAG_JWT_SECRET) is required to mint tokens")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUserByEmail(ctx, email)
				if err != nil {
					return err
				}
				token, err := server.IssueToken(cfg.Auth.JWTSecret, u, ttl, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"access_token": token, "token_type": "bearer", "user_id": u.ID})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func snagCmd() *cobra.Command {
	s := &cobra.Command{Use: "snag", Short: "Inspect snags"}
	s.AddCommand(snagListCmd())
	s.AddCommand(snagShowCmd())
	return s
}

// cliActor reads with manager visibility.
var cliActor = domain.User{ID: "cli", Role: domain.RoleManager}

func snagListCmd() *cobra.Command {
	var f engine.SnagFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snags, err := e.ListSnags(ctx, cliActor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snags)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "#", "Status", "Priority", "Location", "Contractor", "Authorities"})
				for _, s := range snags {
					contractor := ""
					if s.AssignedContractorName != nil {
						contractor = *s.AssignedContractorName
					}
					tw.AppendRow(table.Row{s.ProjectName, s.QueryNo, s.Status, s.Priority, s.Location, contractor, strings.Join(s.AssignedAuthorityNames, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Location, "location", "", "location substring")
	cmd.Flags().StringVar(&f.ProjectName, "project", "", "project name substring")
	cmd.Flags().StringVar(&f.ContractorID, "contractor-id", "", "assigned contractor")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func snagShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a snag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSnag(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Inspect notifications"}
	n.AddCommand(notifyListCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var email string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUserByEmail(ctx, email)
				if err != nil {
					return err
				}
				items, err := e.Notify.ListFor(ctx, u.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Read", "Message"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.CreatedAt.Format(time.RFC3339), n.Read, n.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.Project, "project", "", "project name")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config lives in <workspace>/snag.yml; SNAG_JWT_SECRET, SNAG_REDIS_URL and SNAG_LOG_MODE override it.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
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
			shown := *cfg
			if shown.Auth.JWTSecret != "" {
				shown.Auth.JWTSecret = "[redacted]"
			}
			if shown.Bootstrap.Manager.Password != "" {
				shown.Bootstrap.Manager.Password = "[redacted]"
			}
			return printJSONOrTable(shown)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default snag.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, conn, err := app.Open(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
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
