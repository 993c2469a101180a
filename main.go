package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/config"
	"github.com/sorenvik/credvault/internal/crypto"
	"github.com/sorenvik/credvault/internal/database"
	"github.com/sorenvik/credvault/internal/handlers"
	"github.com/sorenvik/credvault/internal/logging"
	"github.com/sorenvik/credvault/internal/scheduler"
	"github.com/sorenvik/credvault/internal/sshkeys"
	"github.com/sorenvik/credvault/internal/tlscerts"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	// Unwrap the at-rest master key once at startup so a broken key store
	// fails fast instead of on the first credential operation.
	if _, err := crypto.MasterKey(); err != nil {
		log.Fatalf("Master key init: %v", err)
	}

	auditLog := audit.NewLogger(database.DB, config.Cfg.AuditRetentionDays)
	handlers.AuditLog = auditLog

	keyMgr := sshkeys.NewManager(database.DB, auditLog, crypto.MasterKey, sshkeys.ManagerConfig{
		DefaultBits:           config.Cfg.SSHKeyBits,
		DeployTimeout:         time.Duration(config.Cfg.DeployTimeoutSeconds) * time.Second,
		RotationThresholdDays: config.Cfg.RotationThresholdDays,
	})
	handlers.Keys = keyMgr

	certMgr := tlscerts.NewManager(database.DB, auditLog, crypto.MasterKey, tlscerts.ManagerConfig{
		DefaultBits:       config.Cfg.TLSKeyBits,
		RenewalWindowDays: config.Cfg.RenewalWindowDays,
	})
	handlers.Certs = certMgr

	sched := scheduler.New(database.DB, keyMgr, certMgr, auditLog, scheduler.Config{
		RotationThresholdDays: config.Cfg.RotationThresholdDays,
		RenewalWindowDays:     config.Cfg.RenewalWindowDays,
		RetentionDays:         config.Cfg.RetentionDays,
	})
	handlers.Sched = sched
	if err := sched.Start(); err != nil {
		log.Fatalf("Scheduler init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// SSH keys
		r.Post("/ssh-keys", handlers.GenerateSSHKey)
		r.Get("/ssh-keys", handlers.ListSSHKeys)
		r.Get("/ssh-keys/{keyId}", handlers.GetSSHKey)
		r.Post("/ssh-keys/{keyId}/revoke", handlers.RevokeSSHKey)
		r.Post("/ssh-keys/{keyId}/deploy", handlers.DeploySSHKey)
		r.Post("/ssh-keys/{keyId}/test-connection", handlers.TestSSHConnection)
		r.Post("/ssh-keys/{keyId}/rotate", handlers.RotateSSHKey)

		// TLS certificates
		r.Post("/certificates", handlers.GenerateCertificate)
		r.Post("/certificates/ca", handlers.GenerateCACertificate)
		r.Post("/certificates/sign", handlers.SignCertificate)
		r.Get("/certificates", handlers.ListCertificates)
		r.Get("/certificates/{certId}", handlers.GetCertificate)
		r.Post("/certificates/{certId}/revoke", handlers.RevokeCertificate)
		r.Post("/certificates/{certId}/renew", handlers.RenewCertificate)
		r.Get("/certificates/{certId}/validate", handlers.ValidateCertificate)
		r.Get("/certificates/{certId}/info", handlers.GetCertificateInfo)

		// Audit trail and metrics
		r.Get("/audit", handlers.QueryAuditLog)
		r.Get("/audit/metrics", handlers.AuditMetrics)
		r.Get("/metrics/lifecycle", handlers.LifecycleMetrics)

		// Settings and logs
		r.Get("/settings", handlers.GetSettings)
		r.Put("/settings", handlers.UpdateSettings)
		r.Get("/logs", handlers.GetLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
