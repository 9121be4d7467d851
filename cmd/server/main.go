package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/config"
	"github.com/clubmate/newsletter-backend/internal/db"
	"github.com/clubmate/newsletter-backend/internal/dispatch"
	"github.com/clubmate/newsletter-backend/internal/gateway"
	"github.com/clubmate/newsletter-backend/internal/handler"
	"github.com/clubmate/newsletter-backend/internal/repository"
	"github.com/clubmate/newsletter-backend/internal/service"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

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

	campaignHandler := &handler.CampaignHandler{
		Service: campaignService,
		Log:     log,
	}

	r := chi.NewRouter()
	campaignHandler.Register(r)

	log.Info("server listening", zap.String("addr", cfg.Addr), zap.String("gateway", cfg.GatewayDriver))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal("server stopped", zap.Error(err))
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
