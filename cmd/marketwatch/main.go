package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketwatch/alert"
	"marketwatch/binance"
	"marketwatch/config"
	"marketwatch/logger"
	"marketwatch/session"
	"marketwatch/stream"
	"marketwatch/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketwatch.Name,
		"version": cfg.Marketwatch.Version,
	}).Info("starting marketwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var history *writer.HistoryWriter
	if cfg.History.Enabled {
		history, err = writer.NewHistoryWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create history writer")
			os.Exit(1)
		}
		if err := history.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start history writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("history sink disabled")
	}

	rest := binance.NewRestClient(cfg)
	transports := func() stream.Transport { return binance.NewWSClient(cfg) }

	manager := session.NewManager(cfg, transports, rest, rest, history)
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session manager")
		os.Exit(1)
	}

	registerAlerts(log, cfg, manager.Alerts())

	for _, symbol := range cfg.Symbols {
		if err := manager.Subscribe(symbol); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).
				Warn("failed to subscribe")
		}
	}

	go drainEvents(ctx, manager)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	manager.Stop()
	cancel()

	if history != nil {
		log.Info("stopping history writer")
		history.Stop()
	}

	log.Info("marketwatch stopped")
}

// registerAlerts installs the alert rules declared in the configuration,
// falling back to the configured default cooldown and hysteresis.
func registerAlerts(log *logger.Log, cfg *config.Config, evaluator *alert.Evaluator) {
	for _, rule := range cfg.Alerts.Rules {
		dir := alert.Above
		if strings.EqualFold(rule.Direction, "below") {
			dir = alert.Below
		}
		mode := alert.Repeat
		if strings.EqualFold(rule.Mode, "once") {
			mode = alert.Once
		}
		cooldown := rule.CooldownMs
		if cooldown <= 0 {
			cooldown = cfg.Alerts.DefaultCooldownMs
		}
		hysteresis := rule.Hysteresis
		if hysteresis <= 0 {
			hysteresis = cfg.Alerts.DefaultHysteresis
		}

		a, err := evaluator.Add(rule.Symbol, dir, rule.Threshold, mode, cooldown, hysteresis)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol": rule.Symbol,
			}).Warn("skipping alert rule")
			continue
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"alert_id":  a.ID,
			"symbol":    a.Symbol,
			"direction": a.Direction.String(),
			"threshold": a.Threshold,
		}).Info("alert registered")
	}
}

// drainEvents keeps the outward channels flowing when no other consumer is
// attached. Alert triggers were already logged by the manager.
func drainEvents(ctx context.Context, manager *session.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-manager.Events():
		case <-manager.Triggers():
		}
	}
}
