// Command enqueue publishes a single envelope to the outbound queue. It is a
// smoke-testing tool for operators and local development.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/config"
	"github.com/example/crm-messaging/internal/logger"
	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/pipeline"
)

func main() {
	var (
		contactID = flag.String("contact", "", "contact id to deliver to (required)")
		ticketID  = flag.String("ticket", "", "ticket id the message belongs to")
		text      = flag.String("text", "", "text content")
		mediaURL  = flag.String("media", "", "media url (switches the envelope to a media kind)")
		kind      = flag.String("kind", "text", "message kind: text, image, video, audio, document")
		caption   = flag.String("caption", "", "media caption")
		instance  = flag.String("instance", "", "originating instance name")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "enqueue").Logger()

	env := models.Envelope{
		ID:        uuid.NewString(),
		Kind:      models.MessageKind(*kind),
		Text:      *text,
		TicketID:  *ticketID,
		ContactID: *contactID,
		CreatedAt: time.Now().UnixMilli(),
	}
	if *mediaURL != "" {
		env.Media = &models.MediaRef{URL: *mediaURL, Caption: *caption}
	}
	if *instance != "" {
		env.Metadata = map[string]string{"instance": *instance}
	}
	if err := env.Validate(); err != nil {
		log.Fatal().Err(err).Msg("refusing to enqueue invalid envelope")
	}

	client, err := broker.NewClient(broker.Config{
		URL:                  cfg.Broker.URL,
		Exchange:             cfg.Broker.Exchange,
		ReconnectMaxAttempts: cfg.Broker.ReconnectMaxAttempts,
		ReconnectStep:        cfg.Broker.ReconnectStep,
		PublishTimeout:       cfg.Broker.PublishTimeout,
		Queues: []broker.QueueSpec{
			{Name: cfg.Queues.Outbound.Name, TTL: cfg.Queues.Outbound.TTL},
		},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build broker client")
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect broker")
	}

	publisher := pipeline.NewPublisher(client, cfg.Queues.Outbound.Name)
	if err := publisher.PublishEnvelope(ctx, &env, 0); err != nil {
		log.Fatal().Err(err).Msg("failed to publish envelope")
	}

	log.Info().
		Str("message_id", env.ID).
		Str("contact_id", env.ContactID).
		Str("kind", string(env.Kind)).
		Msg("envelope enqueued")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("enqueue failed")
}
