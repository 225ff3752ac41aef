package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/defguard/core/internal/acl"
	"github.com/defguard/core/internal/audit"
	"github.com/defguard/core/internal/authtoken"
	"github.com/defguard/core/internal/config"
	"github.com/defguard/core/internal/coreapi"
	"github.com/defguard/core/internal/database"
	"github.com/defguard/core/internal/eventbus"
	"github.com/defguard/core/internal/inactivity"
	"github.com/defguard/core/internal/metrics"
	"github.com/defguard/core/internal/proxyfabric"
	"github.com/defguard/core/internal/reconciler"
	"github.com/defguard/core/internal/repository"
	"github.com/defguard/core/internal/service"
	"github.com/defguard/core/internal/statsretention"
	"github.com/defguard/core/internal/tokenservice"
	"github.com/redis/go-redis/v9"
)

var (
	version = "dev"
	commit  = "none"
	date    = "2025-09-22"
	builtBy = "defguard"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	runMigrations := flag.Bool("migrate", false, "run database migrations and exit")
	usePostgres := flag.Bool("postgres", true, "use PostgreSQL instead of in-memory storage (deprecated, use --db-backend)")
	dbBackendFlag := flag.String("db-backend", "", "database backend: postgres|sqlite|memory")
	sqlitePathFlag := flag.String("db-sqlite-path", "", "path to SQLite database file (when --db-backend=sqlite)")
	asyncAudit := flag.Bool("audit-async", true, "enable async audit buffering")
	auditQueue := flag.Int("audit-queue", 1024, "audit async queue size")
	auditWorkers := flag.Int("audit-workers", 1, "audit async worker count")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	configPath := config.DefaultConfigPath()

	metrics.Register()

	if *showVersion {
		fmt.Printf("defguard-core %s (commit %s, build %s) built by %s\n", version, commit, date, builtBy)
		return
	}

	cfg, err := config.LoadFromFileOrEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateGatewaySecret(); err != nil {
		log.Fatalf("Refusing to start: %v", err)
	}

	dbBackend := "postgres"
	if cfg != nil && cfg.Database.Backend != "" {
		dbBackend = cfg.Database.Backend
	}
	if *dbBackendFlag != "" {
		dbBackend = *dbBackendFlag
	}
	if !*usePostgres && *dbBackendFlag == "" {
		dbBackend = "memory"
	}
	dbBackend = strings.ToLower(dbBackend)

	sqlitePath := "data/defguard.db"
	if cfg != nil && cfg.Database.SQLitePath != "" {
		sqlitePath = cfg.Database.SQLitePath
	}
	if *sqlitePathFlag != "" {
		sqlitePath = *sqlitePathFlag
	}

	// Database setup
	var db *sql.DB
	migrationsPath := getEnvOrDefault("MIGRATIONS_PATH", "./migrations")
	if dbBackend == "sqlite" {
		migrationsPath = getEnvOrDefault("MIGRATIONS_SQLITE_PATH", "./migrations_sqlite")
	}
	switch dbBackend {
	case "postgres":
		dbConfig := database.LoadConfigFromEnv()
		var err error
		db, err = database.Connect(dbConfig)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		fmt.Printf("Connected to PostgreSQL: %s@%s:%s/%s\n", dbConfig.User, dbConfig.Host, dbConfig.Port, dbConfig.DBName)
		if *runMigrations {
			if err := database.RunMigrations(db, migrationsPath); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			fmt.Println("Migrations completed successfully")
			return
		}
	case "sqlite":
		var err error
		db, err = database.ConnectSQLite(sqlitePath)
		if err != nil {
			log.Fatalf("Failed to connect to SQLite: %v", err)
		}
		defer db.Close()
		fmt.Printf("Connected to SQLite at %s\n", sqlitePath)
		if *runMigrations {
			if err := database.RunSQLiteMigrations(db, migrationsPath); err != nil {
				log.Fatalf("SQLite migrations failed: %v", err)
			}
			fmt.Println("SQLite migrations completed successfully")
			return
		}
	case "memory":
		// no connection required
	default:
		log.Fatalf("Unsupported DB backend: %s (use postgres|sqlite|memory)", dbBackend)
	}

	// Repository construction. Postgres and SQLite share the same query
	// text; NewSQLiteDB wraps db so $N placeholders are rewritten to
	// SQLite's ?N form before each statement runs.
	var locations repository.LocationRepository
	var devices repository.DeviceRepository
	var bindings repository.BindingRepository
	var users repository.UserRepository
	var groups repository.GroupRepository
	var tokens repository.TokenRepository
	var apiTokens repository.ApiTokenRepository
	var rules repository.AclRepository
	var gateways repository.GatewayRepository
	var peerStats repository.PeerStatsRepository

	switch {
	case dbBackend == "postgres" && db != nil:
		conn := repository.NewPostgresDB(db)
		locations = repository.NewPostgresLocationRepository(conn)
		devices = repository.NewPostgresDeviceRepository(conn)
		bindings = repository.NewPostgresBindingRepository(conn)
		users = repository.NewPostgresUserRepository(conn)
		groups = repository.NewPostgresGroupRepository(conn)
		tokens = repository.NewPostgresTokenRepository(conn)
		apiTokens = repository.NewPostgresApiTokenRepository(conn)
		rules = repository.NewPostgresAclRepository(conn)
		gateways = repository.NewPostgresGatewayRepository(conn)
		peerStats = repository.NewPostgresPeerStatsRepository(conn)
		fmt.Println("Using PostgreSQL repositories")
	case dbBackend == "sqlite" && db != nil:
		conn := repository.NewSQLiteDB(db)
		locations = repository.NewPostgresLocationRepository(conn)
		devices = repository.NewPostgresDeviceRepository(conn)
		bindings = repository.NewPostgresBindingRepository(conn)
		users = repository.NewPostgresUserRepository(conn)
		groups = repository.NewPostgresGroupRepository(conn)
		tokens = repository.NewPostgresTokenRepository(conn)
		apiTokens = repository.NewPostgresApiTokenRepository(conn)
		rules = repository.NewPostgresAclRepository(conn)
		gateways = repository.NewPostgresGatewayRepository(conn)
		peerStats = repository.NewPostgresPeerStatsRepository(conn)
		fmt.Println("Using SQLite repositories")
	default:
		locations = repository.NewInMemoryLocationRepository()
		devices = repository.NewInMemoryDeviceRepository()
		bindings = repository.NewInMemoryBindingRepository()
		users = repository.NewInMemoryUserRepository()
		groups = repository.NewInMemoryGroupRepository()
		tokens = repository.NewInMemoryTokenRepository()
		apiTokens = repository.NewInMemoryApiTokenRepository()
		rules = repository.NewInMemoryAclRepository()
		gateways = repository.NewInMemoryGatewayRepository()
		peerStats = repository.NewInMemoryPeerStatsRepository()
		fmt.Println("Using in-memory repositories (no data persistence)")
	}
	_ = apiTokens // wired into the API-token service below

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		var err error
		redisClient, err = database.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v. Session fast-path lookups will fall through to the store.", err)
		} else {
			fmt.Println("Connected to Redis")
			defer redisClient.Close()
		}
	}

	// Auditor chain: stdout (or SQLite, if AUDIT_SQLITE_DSN is set),
	// wrapped with Prometheus counters, optionally buffered async.
	baseAud := audit.NewStdoutAuditor()
	var aud audit.Auditor = audit.WrapWithMetrics(baseAud, metrics.IncAudit)

	var sqliteAudRef *audit.SqliteAuditor
	if dsn := strings.TrimSpace(os.Getenv("AUDIT_SQLITE_DSN")); dsn != "" {
		var opts []audit.SqliteOption
		if secEnv := strings.TrimSpace(os.Getenv("AUDIT_HASH_SECRETS_B64")); secEnv != "" {
			parts := strings.Split(secEnv, ",")
			var secrets [][]byte
			for _, p := range parts {
				s := strings.TrimSpace(p)
				if s == "" {
					continue
				}
				if b, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(b) > 0 {
					secrets = append(secrets, b)
				} else if b2, err2 := base64.StdEncoding.DecodeString(s); err2 == nil && len(b2) > 0 {
					secrets = append(secrets, b2)
				}
			}
			if len(secrets) > 0 {
				opts = append(opts, audit.WithSqliteHashSecrets(secrets...))
			}
		}
		if mr := strings.TrimSpace(os.Getenv("AUDIT_MAX_ROWS")); mr != "" {
			if n, err := strconv.Atoi(mr); err == nil && n > 0 {
				opts = append(opts, audit.WithMaxRows(n))
			}
		}
		if ma := strings.TrimSpace(os.Getenv("AUDIT_MAX_AGE_SECONDS")); ma != "" {
			if n, err := strconv.Atoi(ma); err == nil && n > 0 {
				opts = append(opts, audit.WithMaxAge(time.Duration(n)*time.Second))
			}
		}
		if ai := strings.TrimSpace(os.Getenv("AUDIT_ANCHOR_INTERVAL")); ai != "" {
			if n, err := strconv.Atoi(ai); err == nil && n > 0 {
				opts = append(opts, audit.WithAnchorInterval(n))
			}
		}
		if sk := strings.TrimSpace(os.Getenv("AUDIT_SIGNING_KEY_ED25519_B64")); sk != "" {
			if b, err := base64.RawURLEncoding.DecodeString(sk); err == nil && len(b) == 64 {
				if kid := strings.TrimSpace(os.Getenv("AUDIT_SIGNING_KID")); kid != "" {
					opts = append(opts, audit.WithIntegritySigningKeyID(kid, b))
				} else {
					opts = append(opts, audit.WithIntegritySigningKey(b))
				}
			} else if b2, err2 := base64.StdEncoding.DecodeString(sk); err2 == nil && len(b2) == 64 {
				if kid := strings.TrimSpace(os.Getenv("AUDIT_SIGNING_KID")); kid != "" {
					opts = append(opts, audit.WithIntegritySigningKeyID(kid, b2))
				} else {
					opts = append(opts, audit.WithIntegritySigningKey(b2))
				}
			}
		}
		if sqliteAud, err := audit.NewSqliteAuditor(dsn, opts...); err == nil {
			aud = audit.WrapWithMetrics(sqliteAud, metrics.IncAudit)
			sqliteAudRef = sqliteAud
		}
	}
	if sqliteAudRef != nil {
		defer sqliteAudRef.Close()
	}
	var asyncAuditor *audit.AsyncAuditor
	if *asyncAudit {
		asyncAuditor = audit.NewAsyncAuditor(aud, audit.WithQueueSize(*auditQueue), audit.WithWorkers(*auditWorkers))
		aud = asyncAuditor
	}
	defer func() {
		if asyncAuditor != nil {
			asyncAuditor.Close()
		}
	}()
	_ = aud // every component below that mutates state is audited via its own Auditor field once wired to request handlers; aud is the shared sink.

	sessionTimeout := cfg.Gateway.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}

	// Core domain components.
	rec := reconciler.New(locations, devices, bindings, users, groups)
	compiler := acl.New(rules, groups, devices, bindings, users)
	bus := eventbus.New()
	go bus.Run(ctx)

	stream := &eventbus.StreamServer{
		Bus:       bus,
		Auth:      authtoken.NewIssuer([]byte(cfg.Gateway.ServerSecret)),
		Locations: locations,
		Devices:   devices,
		Bindings:  bindings,
		Gateways:  gateways,
		PeerStats: peerStats,
		Firewall:  compiler,
	}
	transport := eventbus.NewTransport(stream)

	inactivityCtl := inactivity.New(locations, devices, bindings, users, peerStats, bus)
	if cfg.Gateway.InactivityCheckInterval > 0 {
		inactivityCtl.ScanInterval = cfg.Gateway.InactivityCheckInterval
	}
	go inactivityCtl.Run(ctx)

	tokenSvc := tokenservice.New(tokens, redisClient, sessionTimeout)
	apiTokenSvc := tokenservice.NewApiTokenService(apiTokens)
	_ = apiTokenSvc // exposed to the external API surface, out of this proxy-facing router's scope

	retention := cfg.Gateway.StatsRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	purgeInterval := cfg.Gateway.StatsPurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	statsTask := statsretention.New(peerStats, purgeInterval, retention)
	go statsTask.Run(ctx)

	oidcSvc, err := service.NewOIDCService(ctx, cfg.OIDC)
	if err != nil {
		log.Printf("Warning: Failed to initialize OIDC service: %v", err)
	}

	router := coreapi.New(inactivityCtl, tokenSvc, users, devices, bindings, locations, rec, bus, oidcSvc, version)
	var fabricHandler proxyfabric.Handler = router
	fabric := proxyfabric.New(fabricHandler, version)
	for _, proxyURL := range cfg.Gateway.ProxyURLs {
		go fabric.Connect(ctx, proxyURL)
	}

	// HTTP surface: liveness, metrics, and the gateway-facing stream
	// endpoint. The proxy-facing request/response surface travels over
	// the Proxy Fabric's own websocket, not this mux.
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "service": "defguard-core"})
	})
	r.GET("/metrics", metrics.Handler())
	r.GET("/v1/gateway/stream", func(c *gin.Context) {
		transport.ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:              serverAddress(cfg),
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		fmt.Println("Shutdown signal received. Draining HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Error during graceful shutdown: %v\n", err)
		}
	}()

	fmt.Printf("defguard-core starting on %s...\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Printf("Server failed to start: %v\n", err)
	}
}

func serverAddress(cfg *config.Config) string {
	const defaultPort = "8080"
	if cfg == nil {
		return ":" + defaultPort
	}
	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == "" {
		port = defaultPort
	}
	if host == "" {
		return ":" + port
	}
	return host + ":" + port
}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.Signal(15)}
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
