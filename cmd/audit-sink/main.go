package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/events"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// The audit sink stores the decision audit trail and alert state published
// by the decision engine. Scoring never waits on it.
func main() {
	_ = godotenv.Load()

	cfg := configs.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Server.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repositories.NewDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	group, err := events.Connect(30, 5*time.Second, "Kafka consumer group", func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, events.NewSaramaConfig())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group")
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			log.Error().Err(err).Msg("Consumer group error")
		}
	}()

	handler := &events.SinkHandler{
		AuditTopic:   cfg.Kafka.AuditTopic,
		AlertsTopic:  cfg.Kafka.AlertsTopic,
		Audits:       repositories.NewAuditRepository(db),
		Alerts:       repositories.NewAlertRepository(db),
		RetryBackoff: 5 * time.Second,
	}
	topics := []string{cfg.Kafka.AuditTopic, cfg.Kafka.AlertsTopic}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping audit sink...")
		cancel()
	}()

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Strs("topics", topics).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Audit sink started")

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			log.Info().Msg("Audit sink stopped")
			return
		}
	}
}
