// Command spiced is the ZeroSpice session broker: an authenticating
// reverse proxy that mints ephemeral SPICE relays for a Proxmox-like
// hypervisor, gated by TOTP login and a self-enrollment invite flow.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zerospice/broker/internal/audit"
	"github.com/zerospice/broker/internal/auth"
	"github.com/zerospice/broker/internal/config"
	"github.com/zerospice/broker/internal/credstore"
	"github.com/zerospice/broker/internal/enroll"
	"github.com/zerospice/broker/internal/hypervisor"
	"github.com/zerospice/broker/internal/logging"
	"github.com/zerospice/broker/internal/notify"
	"github.com/zerospice/broker/internal/session"
	"github.com/zerospice/broker/internal/web"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("zerospice-broker " + versionString())
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		if v != "" {
			fmt.Printf("%s=%s\n", k, v)
		}
	}
	fmt.Println("=============================================")

	creds, err := credstore.Open(cfg.CredentialStorePath)
	if err != nil {
		log.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}

	invites, err := enroll.OpenInviteStore(cfg.InviteSidecarPath)
	if err != nil {
		log.Error("failed to open invite sidecar", "error", err)
		os.Exit(1)
	}

	auditStore, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	authSvc := auth.NewService(cfg.BearerSecret, creds.All())
	enrollSvc := enroll.NewService(invites, authSvc, creds)

	proxyHost, _, err := net.SplitHostPort(cfg.HypervisorAddr)
	if err != nil {
		proxyHost = cfg.HypervisorAddr
	}

	sessions := session.NewManager(cfg.BindAddr, cfg.PortRangeMin, cfg.PortRangeMax, cfg.HypervisorAddr, cfg.SessionTimeout, log.Logger)
	sessions.SetAuditStore(auditStore)

	hv := hypervisor.New("https://"+cfg.HypervisorAddr+"/api2/json", cfg.HypervisorToken, cfg.HypervisorInsecureTLS)

	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Logger)}
	if cfg.NotifyMQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic, "zerospice-broker", cfg.NotifyMQTTUsername, cfg.NotifyMQTTPassword, cfg.NotifyMQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.NotifyMQTTBroker)
	}
	notifier := notify.NewMulti(log.Logger, notifiers...)
	sessions.SetNotifier(notifier)

	srv := web.NewServer(cfg, log.Logger, authSvc, enrollSvc, sessions, hv, notifier, auditStore, proxyHost)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("gateway server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	reaperStop := make(chan struct{})
	go sessions.RunReaper(60*time.Second, reaperStop)

	go func() {
		interval := 1 * time.Hour
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := enrollSvc.ReapInvites(); err != nil {
					log.Warn("invite reap failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("broker started", "version", version, "commit", commit)

	<-ctx.Done()
	close(reaperStop)
	sessions.Shutdown()

	log.Info("broker shutdown complete")
}
