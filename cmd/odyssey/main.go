package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-admin/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-admin/internal/app"
	"github.com/odyssey-erp/odyssey-admin/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-admin/internal/audit/http"
	"github.com/odyssey-erp/odyssey-admin/internal/auth"
	"github.com/odyssey-erp/odyssey-admin/internal/observability"
	"github.com/odyssey-erp/odyssey-admin/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-admin/internal/platform/db"
	"github.com/odyssey-erp/odyssey-admin/internal/products"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/roles"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/internal/users"
	"github.com/odyssey-erp/odyssey-admin/internal/view"
	"github.com/odyssey-erp/odyssey-admin/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "seed":
		err = seed(ctx, cfg, logger, args)
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	default:
		err = fmt.Errorf("unknown command %q (want serve, seed or jobs)", command)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

// services bundles the domain services shared by serve and seed.
type services struct {
	authz    *rbac.Service
	users    *users.Service
	products *products.Service
	roles    *roles.Service
}

func buildServices(cfg *app.Config, pool *pgxpool.Pool, logger *slog.Logger) services {
	store := rbac.NewPGStore(pool)
	authz := rbac.NewService(store, rbac.NewCatalog(store, cfg.CatalogCacheTTL), logger)
	auditLog := shared.NewAuditLogger(pool)
	return services{
		authz:    authz,
		users:    users.NewService(users.NewRepository(pool), authz, auditLog, logger),
		products: products.NewService(products.NewRepository(pool), auditLog, logger),
		roles:    roles.NewService(authz, auditLog, logger),
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.QueueRedis()
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	metrics := observability.NewMetrics()
	svc := buildServices(cfg, pool, logger)
	policy := cfg.AuthzPolicy()
	authorizer := rbac.NewAuthorizer(svc.authz, policy, metrics)
	rbacMiddleware := rbac.Middleware{Authorizer: authorizer, Principals: svc.users, Logger: logger}

	sessionManager := shared.NewSessionManager(redisClient, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	pages := app.NewPages(logger, templates, csrfManager, authorizer, app.Counters{
		Roles: func(ctx context.Context) (int, error) {
			list, err := svc.authz.ListRoles(ctx)
			return len(list), err
		},
		Users:    svc.users.CountUsers,
		Products: svc.products.Count,
	})
	templates.WithNavigator(pages.Navigator())

	authService := auth.NewService(auth.ServiceDeps{
		Repo:       auth.NewRepository(pool),
		Throttle:   auth.NewThrottle(redisClient, cfg.ThrottlePolicy()),
		Principals: svc.users,
		Policy:     policy,
		Notifier:   jobs.NewLockoutNotifier(jobsClient),
		Observer:   metrics,
		Logger:     logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Templates:       templates,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		RBAC:            rbacMiddleware,
		Pages:           pages,
		AuthHandler:     auth.NewHandler(logger, authService, templates, sessionManager, csrfManager),
		UsersHandler:    users.NewHandler(logger, svc.users, templates, csrfManager, rbacMiddleware),
		RolesHandler:    roles.NewHandler(logger, svc.roles, templates, csrfManager, rbacMiddleware),
		ProductsHandler: products.NewHandler(logger, svc.products, templates, csrfManager, rbacMiddleware),
		JobsHandler:     jobs.NewHandler(inspector, logger),
		AuditHandler:    audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), templates, csrfManager),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func seed(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	username := fs.String("username", cfg.SeedAdminUsername, "initial superadmin username")
	password := fs.String("password", cfg.SeedAdminPassword, "initial superadmin password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := buildServices(cfg, pool, logger)
	seedCfg := cli.SeedConfig{AdminUsername: *username, AdminPassword: *password}
	if seedCfg.AdminPassword == "" {
		logger.Warn("no superadmin password given, skipping account creation")
		seedCfg.AdminUsername = ""
	}
	return cli.NewSeeder(svc.authz, svc.users, logger).Seed(ctx, seedCfg)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	helper, err := cli.NewJobsCLI(cfg.QueueRedis(), cfg.IdempotencyKeyTTL)
	if err != nil {
		return err
	}
	defer helper.Close()

	if len(args) == 0 || args[0] == "stats" {
		stats, err := helper.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return nil
	}
	if args[0] == "trigger" && len(args) == 2 {
		info, err := helper.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s\n", info.Type, info.ID)
		return nil
	}
	if args[0] == "scheduled" {
		infos, err := helper.ListScheduled(ctx, 20)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s id=%s next=%s\n", info.Type, info.ID, info.NextProcessAt.Format(time.RFC3339))
		}
		return nil
	}
	return fmt.Errorf("usage: odyssey jobs [stats | scheduled | trigger %s]", jobs.TaskSessionsPrune)
}
