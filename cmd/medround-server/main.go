package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medround/medround/internal/config"
	"github.com/medround/medround/internal/domain/dispensing"
	"github.com/medround/medround/internal/platform/auth"
	"github.com/medround/medround/internal/platform/db"
	"github.com/medround/medround/internal/platform/eventlog"
	"github.com/medround/medround/internal/platform/middleware"
	"github.com/medround/medround/internal/platform/sandbox"
	"github.com/medround/medround/internal/platform/telemetry"
	"github.com/medround/medround/internal/platform/websocket"
)

// cliActor is the identity used by operator subcommands.
var cliActor = dispensing.Actor{ID: "cli", Roles: []dispensing.Role{"supervisor"}}

func main() {
	rootCmd := &cobra.Command{
		Use:          "medround-server",
		Short:        "Medication dispensing round server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the round API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.UpTo(cmdContext(cmd), target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmdContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	for _, c := range cmd.Commands() {
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	}
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required to run migrations")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(cmdContext(cmd), db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir, schema, newLogger(cfg, cmd.ErrOrStderr())), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// sessionCmd exposes the session lifecycle for operators. It runs against
// the configured store without starting the HTTP server.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and close daily sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "Print the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *dispensing.Service) error {
				sess, err := svc.ActiveSession(ctx)
				if errors.Is(err, dispensing.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "no active session")
					return nil
				}
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	})

	for _, end := range []struct {
		use, short string
		run        func(*dispensing.Service, context.Context, uuid.UUID, dispensing.Actor, string) (*dispensing.Session, error)
	}{
		{"complete", "Complete a session", (*dispensing.Service).CompleteSession},
		{"cancel", "Cancel a session with no recorded work", (*dispensing.Service).CancelSession},
	} {
		end := end
		c := &cobra.Command{
			Use:   end.use + " <session-id>",
			Short: end.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid session id %q: %w", args[0], err)
				}
				note, _ := cmd.Flags().GetString("note")
				return withService(cmd, func(ctx context.Context, svc *dispensing.Service) error {
					sess, err := end.run(svc, ctx, id, cliActor, note)
					if err != nil {
						return err
					}
					printSession(cmd.OutOrStdout(), sess)
					return nil
				})
			},
		}
		c.Flags().String("note", "", "Reason recorded with the change")
		cmd.AddCommand(c)
	}
	return cmd
}

// seedCmd admits a generated demo ward. It is meant for development and
// training databases.
func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Admit a generated demo ward",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("patients")
			seed, _ := cmd.Flags().GetInt64("seed")
			services, _ := cmd.Flags().GetStringSlice("services")
			cfg := sandbox.SeedConfig{
				PatientCount: count,
				Services:     services,
				BedsPerRoom:  def.BedsPerRoom,
				Seed:         seed,
			}
			return withService(cmd, func(ctx context.Context, svc *dispensing.Service) error {
				n, err := seedWard(ctx, svc, cfg)
				fmt.Fprintf(cmd.OutOrStdout(), "admitted %d patients\n", n)
				return err
			})
		},
	}
	cmd.Flags().Int("patients", def.PatientCount, "Number of patients to admit")
	cmd.Flags().Int64("seed", 0, "Generator seed; 0 picks one from the clock")
	cmd.Flags().StringSlice("services", def.Services, "Services to spread patients across")
	return cmd
}

func seedWard(ctx context.Context, svc *dispensing.Service, cfg sandbox.SeedConfig) (int, error) {
	ward := sandbox.NewDataGenerator(cfg.Seed).Ward(cfg)
	for i, o := range ward {
		p := &dispensing.Patient{Name: o.Name, Bed: o.Bed, Service: o.Service, Line: o.Line}
		if err := svc.AdmitPatient(ctx, p, cliActor); err != nil {
			return i, fmt.Errorf("admit %s: %w", o.Bed, err)
		}
	}
	return len(ward), nil
}

func printSession(w io.Writer, s *dispensing.Session) {
	fmt.Fprintf(w, "%s  %s  %s  started by %s at %s\n",
		s.ID, s.Day, s.Status, s.StartedBy, s.StartedAt.Format(time.RFC3339))
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *dispensing.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := cmdContext(cmd)

	deps, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	return fn(ctx, newService(cfg, deps, logger))
}

// deps are the process-wide resources shared by every command.
type deps struct {
	pool     *pgxpool.Pool
	store    dispensing.Store
	patients dispensing.PatientDirectory
	audit    eventlog.Multi
	closers  []io.Closer
}

func (d *deps) close(logger zerolog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}

	switch cfg.Store {
	case config.StoreMemory:
		mem := dispensing.NewMemoryStore()
		d.store, d.patients = mem, mem
		logger.Warn().Msg("using in-memory store; state is lost on restart")
	default:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			Schema:   cfg.DBSchema,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pg := dispensing.NewPGStore(pool)
		d.pool, d.store, d.patients = pool, pg, pg
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}

	d.audit = eventlog.Multi{eventlog.NewLoggerSink(logger)}
	if cfg.RedisURL != "" {
		client, err := eventlog.NewRedisClient(cfg.RedisURL)
		if err != nil {
			d.close(logger)
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.audit = append(d.audit, eventlog.NewRedisStreamSink(client, cfg.EventStream, 0))
		d.closers = append(d.closers, client)
		logger.Info().Str("stream", cfg.EventStream).Msg("audit events mirrored to redis")
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink := eventlog.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		d.audit = append(d.audit, sink)
		d.closers = append(d.closers, sink)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("audit events mirrored to kafka")
	}
	return d, nil
}

func capabilityAuthorizer(caps auth.Capabilities) dispensing.Authorizer {
	return dispensing.AuthorizerFunc(func(role dispensing.Role, stage dispensing.Stage, action dispensing.Action) bool {
		return caps.Allows(string(role), string(stage), string(action))
	})
}

func newService(cfg *config.Config, d *deps, logger zerolog.Logger) *dispensing.Service {
	svc := dispensing.NewService(d.store, d.patients, capabilityAuthorizer(auth.DefaultCapabilities), logger)
	svc.SetEventLog(d.audit)
	svc.SetTemperatureRange(cfg.TemperatureMin, cfg.TemperatureMax)
	if loc, err := cfg.Location(); err == nil {
		svc.SetLocation(loc)
	}
	return svc
}

// newServer assembles the HTTP surface. It performs no I/O so tests can
// drive it with httptest.
func newServer(cfg *config.Config, d *deps, logger zerolog.Logger) (*echo.Echo, *dispensing.Service, *websocket.Hub) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	hub := websocket.NewHub(logger)
	hub.SetTopicFilter(func(topic string) bool { return strings.HasPrefix(topic, "session:") })
	metrics.TrackGauge("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})

	svc := newService(cfg, d, logger)
	svc.SetPublisher(hub)
	svc.SetMetrics(metrics)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRolesHeader},
	}))

	e.GET("/health", db.HealthHandler(d.pool))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: requests run as admin unless X-Dev-User/X-Dev-Roles are set")
		api.Use(auth.DevAuthMiddleware())
	} else {
		var key []byte
		if cfg.AuthSigningKey != "" {
			key = []byte(cfg.AuthSigningKey)
		}
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
		}))
	}

	dispensing.NewHandler(svc).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	return e, svc, hub
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close(logger)

	e, _, _ := newServer(cfg, d, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("auth", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
