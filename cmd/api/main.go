package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/authz"
	"clinicore.org/internal/config"
	"clinicore.org/internal/credential"
	"clinicore.org/internal/crypto"
	"clinicore.org/internal/fieldcrypt"
	"clinicore.org/internal/httpapi"
	"clinicore.org/internal/monitor"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store/memory"
	"clinicore.org/internal/store/pg"
)

var version = "0.3.0"

// stores is the narrow slice of persistence the wiring below needs,
// satisfied by both the Postgres and the in-memory backends.
type stores interface {
	Identities() credential.IdentityStore
	Tokens() credential.TokenStore
	Roles() authz.Store
	Audit() audit.Store
	Directives() monitor.DirectiveStore
	Cursors() monitor.CursorStore
}

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CLINICORE_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.TokenSecret == "" {
		log.Fatal("CLINICORE_TOKEN_SECRET is required")
	}

	keys, err := cfg.EncryptionKeys()
	if err != nil {
		log.Fatalf("encryption keys: %v", err)
	}
	if len(keys) == 0 {
		log.Fatal("CLINICORE_ENC_KEYS is required")
	}
	keyring, err := crypto.NewKeyring(keys, cfg.EncActiveKey)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	var (
		backend stores
		db      *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		backend = pgStore
		db = pgStore.DB()
	} else {
		log.Print("CLINICORE_PG_DSN not set, using in-memory store")
		backend = memory.New()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	auditLog, err := audit.New(rootCtx, backend.Audit(),
		audit.WithMaskFields(cfg.EncryptedFields))
	if err != nil {
		log.Fatalf("audit log: %v", err)
	}

	engine, err := authz.NewEngine(backend.Roles(), auditLog)
	if err != nil {
		log.Fatalf("authz engine: %v", err)
	}

	mon, err := monitor.New(auditLog, backend.Directives(), backend.Cursors())
	if err != nil {
		log.Fatalf("monitor: %v", err)
	}

	creds, err := credential.NewService(backend.Identities(), backend.Tokens(), auditLog, keyring,
		credential.Params{
			TokenSecret:          []byte(cfg.TokenSecret),
			Issuer:               cfg.TokenIssuer,
			AccessTTL:            cfg.AccessTTL,
			RefreshTTL:           cfg.RefreshTTL,
			LockoutThreshold:     cfg.LockoutThreshold,
			LockoutWindow:        cfg.LockoutWindow,
			LockoutDuration:      cfg.LockoutDuration,
			TOTPIssuer:           cfg.TOTPIssuer,
			TOTPSkew:             cfg.TOTPSkew,
			BackupCodeCount:      cfg.BackupCodeCount,
			BackupCodeLen:        cfg.BackupCodeLen,
			PasswordMinLength:    cfg.PasswordMinLength,
			PasswordHistoryDepth: cfg.PasswordHistoryDepth,
			PasswordExpiry:       cfg.PasswordExpiry,
			LoginRatePerMinute:   cfg.LoginRatePerMinute,
			LoginRateBurst:       cfg.LoginRateBurst,
		},
		credential.WithPermissionSource(engine),
		credential.WithBlockChecker(mon),
	)
	if err != nil {
		log.Fatalf("credential service: %v", err)
	}

	// Threat detection over the audit stream.
	go func() {
		if err := mon.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			obs.LogError("monitor stopped", map[string]any{"error": err.Error()})
		}
	}()

	// Retention pruning once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := auditLog.PruneExpired(rootCtx, cfg.AuditRetention, "retention"); err != nil {
					obs.LogError("audit prune failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	fields := fieldcrypt.New(keyring, cfg.EncryptedFields)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, creds, engine, auditLog, mon, fields)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting clinicore-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	rootCancel()
	_ = auditLog.Close(ctx)
	log.Println("Stopped")
}
