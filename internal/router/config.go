package router

import (
	"time"
)

// Config holds the router configuration.
type Config struct {
	Host              string        `env:"HOST"`           // default: "127.0.0.1"
	Port              int           `env:"PORT"`           // default: 8000
	BaseURL           string        `env:"BASE_URL"`       // required, e.g. "http://127.0.0.1:9000/deployer/__outputs"
	IndexDocument     string        `env:"INDEX_DOCUMENT"` // default: "index.html"
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`
	MetricsPort       int           `env:"METRICS_PORT"` // default: 9090
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8000
	}
	return p
}

func (c *Config) indexDocument() string {
	d := c.IndexDocument
	if d == "" {
		d = "index.html"
	}
	return d
}

func (c *Config) metricsPort() int {
	p := c.MetricsPort
	if p == 0 {
		p = 9090
	}
	return p
}
