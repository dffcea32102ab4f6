// Command bankfeed-lambda receives provider webhooks through API Gateway. Each invocation
// verifies and records the event, then drains the queue before returning.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/config"
	"github.com/Veraticus/bankfeed/internal/service"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"
)

func main() {
	ctx := context.Background()

	v := viper.New()
	config.BindEnv(v)
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, err := common.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}
	// CloudWatch indexes JSON.
	if err := common.SetupLogger(level, "json"); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build services: %v", err)
	}
	failed, err := svc.FailedEventStore(ctx)
	if err != nil {
		log.Fatalf("Failed to create failed event store: %v", err)
	}
	manager, err := svc.WebhookManager(failed)
	if err != nil {
		log.Fatalf("Failed to create webhook manager: %v", err)
	}

	slog.Info("Webhook function ready", "providers", svc.Registry.List())
	lambda.Start(newHandler(manager).Handle)
}
