package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/execbox/execbox/internal/authn"
	"github.com/execbox/execbox/internal/backend"
	"github.com/execbox/execbox/internal/backend/docker"
	"github.com/execbox/execbox/internal/backend/k8s"
	"github.com/execbox/execbox/internal/db"
	"github.com/execbox/execbox/internal/frontend"
	"github.com/execbox/execbox/internal/manager"
	"github.com/execbox/execbox/internal/proxy"
	"github.com/execbox/execbox/internal/quota"
	"github.com/execbox/execbox/internal/token"
	"github.com/execbox/execbox/internal/workspace"
)

const shutdownGrace = 10 * time.Second

var (
	backendFlag string
	addrFlag    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox manager, RPC front-end, and egress proxy",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if backendFlag != "" {
			cfg.SandboxBackend = backendFlag
		}
		if addrFlag != "" {
			cfg.GRPCPort = addrFlag
		}
		runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&backendFlag, "backend", "", "Sandbox backend: docker or k8s (overrides SANDBOX_BACKEND)")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "RPC front-end listen port (overrides GRPC_PORT)")
}

func runServe(cfg config) {
	ctx := context.Background()

	be, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("execboxd: backend unavailable: %v", err)
	}

	tokens, err := buildTokenService(cfg)
	if err != nil {
		log.Fatalf("execboxd: token service: %v", err)
	}

	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("execboxd: database connection: %v", err)
		}
		defer database.Close()
		log.Println("execboxd: connected to tenant quota database")
	}

	ws := workspace.Resolver{Root: cfg.StoragePath}
	quotas := quota.New(database)

	mgr := manager.New(manager.Config{
		Image:       cfg.SandboxImage,
		Runtime:     cfg.SandboxRuntime,
		ProxyHost:   cfg.ProxyHost,
		ProxyPort:   cfg.ProxyPort,
		IdleTimeout: cfg.SessionTimeout,
		TokenTTL:    cfg.SessionTimeout,
	}, be, tokens, ws, quotas)

	if err := mgr.ReconcileOrphans(ctx); err != nil {
		log.Printf("execboxd: orphan reconciliation: %v", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go mgr.RunIdleReaper(reaperCtx)

	var auth *authn.Verifier
	if cfg.OIDCIssuerURL != "" {
		auth, err = authn.New(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			log.Fatalf("execboxd: oidc discovery: %v", err)
		}
		log.Println("execboxd: OIDC caller authentication enabled")
	}

	fe := frontend.New(mgr, auth, database)
	feServer := &http.Server{Addr: ":" + cfg.GRPCPort, Handler: fe.Router()}

	egress := proxy.New(tokens, cfg.ProxyRateLimitRPS)
	proxyServer := &http.Server{Addr: ":" + cfg.ProxyPort, Handler: egress}

	go func() {
		log.Printf("execboxd: egress proxy listening on %s", proxyServer.Addr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("execboxd: egress proxy: %v", err)
		}
	}()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("execboxd: received %v, shutting down", sig)

		stopReaper()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		feServer.Shutdown(shutdownCtx)
		proxyServer.Shutdown(shutdownCtx)
		mgr.DestroyAll(shutdownCtx)
	}()

	log.Printf("execboxd: RPC front-end listening on %s", feServer.Addr)
	if err := feServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	// ListenAndServe returns as soon as Shutdown begins; session teardown
	// may still be in flight.
	<-shutdownDone
}

func buildBackend(ctx context.Context, cfg config) (backend.Backend, error) {
	switch cfg.SandboxBackend {
	case "docker":
		return docker.New(ctx)
	case "k8s":
		ns := os.Getenv("SANDBOX_NAMESPACE")
		if ns == "" {
			ns = "default"
		}
		proxyNS := os.Getenv("PROXY_NAMESPACE")
		if proxyNS == "" {
			proxyNS = ns
		}
		return k8s.New(ctx, ns, proxyNS)
	default:
		return nil, fmt.Errorf("unknown SANDBOX_BACKEND %q (supported: docker, k8s)", cfg.SandboxBackend)
	}
}

func buildTokenService(cfg config) (*token.Service, error) {
	if cfg.SigningKey != "" {
		return token.NewFromSecret(cfg.SigningKey), nil
	}
	return token.NewGenerated()
}
