package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/app"
	"gitlab.ozon.dev/qwestard/marketplace/internal/config"
	"gitlab.ozon.dev/qwestard/marketplace/internal/kafka"
	taskprocessor "gitlab.ozon.dev/qwestard/marketplace/internal/processor"
	"gitlab.ozon.dev/qwestard/marketplace/internal/server"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Error in connection to db: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Sync.Start(ctx)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("Error creating Kafka producer: %v", err)
		}
		defer producer.Close()

		tp := taskprocessor.NewTaskProcessor(a.Store, producer, taskprocessor.Config{
			Topic:        cfg.KafkaNotifyTopic,
			PollInterval: 2 * time.Second,
			Batch:        10,
			RetryDelay:   2 * time.Second,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			tp.Start(ctx)
		}()

		if cfg.KafkaPaymentTopic != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := kafka.StartSaramaConsumer(ctx, kafka.NewConsumerConfig(), cfg.KafkaBrokers,
					cfg.KafkaGroupID, []string{cfg.KafkaPaymentTopic}, a.Reconciler.HandleMessage)
				if err != nil {
					log.Printf("Payment event consumer stopped: %v", err)
				}
			}()
		}
	} else {
		log.Println("KAFKA_BROKERS not set, notifications stay in the outbox")
	}

	srv := server.NewServer(server.Services{
		Proposals: a.Proposals,
		Orders:    a.Orders,
		Webhooks:  a.Reconciler,
		Sweeper:   a.Sweeper,
		Audit:     a.Audit,
	}, cfg)

	if err := srv.Run(ctx); err != nil {
		log.Printf("Server stopped: %v", err)
	}
	stop()
	wg.Wait()
}
