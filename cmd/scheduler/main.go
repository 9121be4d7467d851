package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/config"
	"github.com/clubmate/newsletter-backend/internal/db"
	"github.com/clubmate/newsletter-backend/internal/dispatch"
	"github.com/clubmate/newsletter-backend/internal/gateway"
	"github.com/clubmate/newsletter-backend/internal/repository"
	"github.com/clubmate/newsletter-backend/internal/service"
)

// The scheduler promotes due scheduled campaigns into a send. A campaign
// stuck in sending (crashed run) is never touched here; it needs manual
// reconciliation.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(cfg.PostgresDSN())
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer conn.Close()

	campaignRepo := &repository.CampaignRepository{DB: conn}
	recipientRepo := &repository.RecipientRepository{DB: conn}

	gw, closeGateway, err := buildGateway(cfg, log)
	if err != nil {
		log.Fatal("failed to initialise delivery gateway", zap.Error(err))
	}
	defer closeGateway()

	dispatcher := dispatch.New(campaignRepo, recipientRepo, gw, dispatch.Config{
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay,
		GatewayTimeout:  cfg.GatewayTimeout,
	}, log)

	campaignService := &service.CampaignService{
		Campaigns:  campaignRepo,
		Dispatcher: dispatcher,
		Log:        log,
	}

	ticker := time.NewTicker(cfg.SchedulerInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("scheduler started", zap.Duration("interval", cfg.SchedulerInterval))

	for {
		select {
		case <-ticker.C:
			if err := campaignService.DispatchDue(ctx, time.Now()); err != nil {
				log.Error("dispatch sweep failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down scheduler")
			cancel()
			return
		}
	}
}

func buildGateway(cfg *config.Config, log *zap.Logger) (gateway.Gateway, func(), error) {
	switch cfg.GatewayDriver {
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, err
		}
		gw, err := gateway.NewAMQP(conn, cfg.OutboundQueue, log)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return gw, func() {
			gw.Close()
			conn.Close()
		}, nil
	default:
		return gateway.NewResend(cfg.ResendAPIKey, cfg.SenderAddress, log), func() {}, nil
	}
}
