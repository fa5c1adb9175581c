package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a Config from a .env file in the working directory and from
// environment variables named "<prefix>_<KEY>". Keys in the .env file carry no
// prefix. Environment variables win over the file. List values are comma
// separated.
func Load(prefix string) (*Config, error) {
	return LoadFrom(prefix, ".")
}

// LoadFrom is Load with an explicit directory for the .env file.
func LoadFrom(prefix, dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("dotenv")
	v.AddConfigPath(dir)
	if prefix != "" {
		v.SetEnvPrefix(prefix)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetDefault("pubsub_system", "channel")
	v.SetDefault("store_driver", StoreMemory)
	v.SetDefault("command_queue", defaultCommandQueue)
	v.SetDefault("worker_count", defaultWorkerCount)
	v.SetDefault("publish_max_attempts", defaultPublishMaxAttempts)
	v.SetDefault("command_timeout", defaultCommandTimeout)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod)

	cfg := &Config{
		PubSubSystem:           v.GetString("pubsub_system"),
		Producer:               v.GetString("producer"),
		QueuePrefix:            v.GetString("queue_prefix"),
		KafkaBrokers:           splitList(v.GetString("kafka_brokers")),
		KafkaClientID:          v.GetString("kafka_client_id"),
		KafkaConsumerGroup:     v.GetString("kafka_consumer_group"),
		RabbitMQURL:            v.GetString("rabbitmq_url"),
		NATSURL:                v.GetString("nats_url"),
		NATSJetStream:          v.GetBool("nats_jetstream"),
		HTTPServerAddress:      v.GetString("http_server_address"),
		HTTPPublisherURL:       v.GetString("http_publisher_url"),
		AWSRegion:              v.GetString("aws_region"),
		AWSAccountID:           v.GetString("aws_account_id"),
		AWSAccessKeyID:         v.GetString("aws_access_key_id"),
		AWSSecretAccessKey:     v.GetString("aws_secret_access_key"),
		AWSEndpoint:            v.GetString("aws_endpoint"),
		CommandQueue:           v.GetString("command_queue"),
		WorkerQueues:           splitList(v.GetString("worker_queues")),
		WorkerCount:            v.GetInt("worker_count"),
		ReplyTopic:             v.GetString("reply_topic"),
		EventTopic:             v.GetString("event_topic"),
		DeadLetterQueue:        v.GetString("dead_letter_queue"),
		EventConsumerGroup:     v.GetString("event_consumer_group"),
		ConsumerFailurePolicy:  v.GetString("consumer_failure_policy"),
		RetryMaxRetries:        v.GetInt("retry_max_retries"),
		RetryInitialInterval:   v.GetDuration("retry_initial_interval"),
		RetryMaxInterval:       v.GetDuration("retry_max_interval"),
		EventFailurePolicy:     v.GetString("event_failure_policy"),
		PublishMaxAttempts:     v.GetInt("publish_max_attempts"),
		PublishInitialInterval: v.GetDuration("publish_initial_interval"),
		PublishMaxInterval:     v.GetDuration("publish_max_interval"),
		CommandTimeout:         v.GetDuration("command_timeout"),
		ShutdownGracePeriod:    v.GetDuration("shutdown_grace_period"),
		StoreDriver:            v.GetString("store_driver"),
		StoreDSN:               v.GetString("store_dsn"),
		SagaMaxRetries:         v.GetInt("saga_max_retries"),
		SagaLockTTL:            v.GetDuration("saga_lock_ttl"),
		RedisAddress:           splitList(v.GetString("redis_address")),
		MetricsEnabled:         v.GetBool("metrics_enabled"),
		MetricsPort:            v.GetInt("metrics_port"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
