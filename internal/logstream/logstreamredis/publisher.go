package logstreamredis

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/k11v/deployer/internal/logstream"
)

var _ logstream.Publisher = (*Publisher)(nil)

// Config holds the Redis configuration.
type Config struct {
	URL           string `env:"URL"`            // default: "redis://127.0.0.1:6379/0"
	ChannelPrefix string `env:"CHANNEL_PREFIX"` // default: logstream.DefaultChannelPrefix
}

// ConnectionURL returns the redis:// URL of the server.
func (c *Config) ConnectionURL() string {
	u := c.URL
	if u == "" {
		u = "redis://127.0.0.1:6379/0"
	}
	return u
}

// Prefix returns the log channel prefix.
func (c *Config) Prefix() string {
	p := c.ChannelPrefix
	if p == "" {
		p = logstream.DefaultChannelPrefix
	}
	return p
}

// Publisher publishes log events with Redis PUBLISH.
type Publisher struct {
	client *redis.Client // required
}

// NewClient creates a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("logstreamredis: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewPublisher creates a Publisher using client.
// The client is owned by the caller.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish implements logstream.Publisher.
func (p *Publisher) Publish(ctx context.Context, channel string, message []byte) error {
	if err := p.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("logstreamredis.Publisher: %w", err)
	}
	return nil
}
