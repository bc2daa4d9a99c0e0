package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/config"
	"agent-notify-ws/internal/delivery"
	"agent-notify-ws/internal/infrastructure/kafka"
	"agent-notify-ws/internal/infrastructure/redis"
	"agent-notify-ws/internal/logger"
	"agent-notify-ws/internal/notifier"
	"agent-notify-ws/internal/registry"
	"agent-notify-ws/internal/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("application recovered from panic")
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	log.Info().
		Str("environment", cfg.Environment).
		Str("port", cfg.Port).
		Str("node", cfg.NodeID).
		Str("redis", cfg.RedisHost+":"+cfg.RedisPort).
		Strs("kafka_brokers", cfg.KafkaBrokers).
		Str("event_feed", cfg.EventFeed).
		Str("inbound_sink", cfg.InboundSink).
		Msg("starting agent notification hub")

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.NodeID, cfg.PresenceTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis connection failed")
	} else {
		log.Info().Msg("redis connection successful")
	}

	sink, sinkCloser := newInboundSink(cfg, redisClient)

	reg := registry.New()
	wsManager := delivery.NewWSManager(reg, redisClient, sink, cfg.Reconnect, cfg.WriteTimeout)
	server := delivery.NewServer(cfg, redisClient, wsManager)

	notifications := notifier.New(cfg.ConsumerName, router.New(reg))
	if err := notifications.Start(ctx, newEventFeed(cfg, redisClient)); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to event feed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down")
		cancel()

		if err := notifications.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping notifier")
		}
		if err := server.Shutdown(shutdownTimeout); err != nil {
			log.Error().Err(err).Msg("error shutting down server")
		}
		if sinkCloser != nil {
			if err := sinkCloser.Close(); err != nil {
				log.Error().Err(err).Msg("error closing inbound sink")
			}
		}
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis client")
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func newEventFeed(cfg *config.Config, redisClient *redis.RedisClient) notifier.Feed {
	if cfg.EventFeed == config.TransportRedis {
		return redisClient.EventFeed(cfg.EventTopics)
	}
	return kafka.NewEventConsumer(cfg.KafkaBrokers, cfg.EventTopics)
}

// newInboundSink returns the publisher for client records and, for kafka,
// the writer that must be closed on shutdown.
func newInboundSink(cfg *config.Config, redisClient *redis.RedisClient) (delivery.InboundPublisher, io.Closer) {
	if cfg.InboundSink == config.TransportRedis {
		return redisClient.Publisher(cfg.InboundTopics), nil
	}
	producer := kafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.InboundTopics)
	return producer, producer
}
