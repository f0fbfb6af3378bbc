package commands

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"jsoncomm/codec"
	"jsoncomm/config"
	"jsoncomm/middleware"
	"jsoncomm/registry"
	"jsoncomm/transport"
)

// connectionOptions maps the configured codec, limits and keep-alive onto
// transport options shared by the server and the one-shot clients.
func connectionOptions(cfg *config.Config, log logr.Logger) ([]transport.Option, error) {
	c, err := codec.ByName(cfg.Codec.Name)
	if err != nil {
		return nil, err
	}
	opts := []transport.Option{
		transport.WithCodec(c),
		transport.WithLogger(log),
		transport.WithMaxContentLength(cfg.Limits.MaxContentLength),
	}
	if cfg.Server.KeepAlive > 0 {
		opts = append(opts, transport.WithKeepAlive(cfg.Server.KeepAlive))
	}
	return opts, nil
}

// serverMiddlewares returns the chain applied by "serve", outermost first.
func serverMiddlewares(cfg *config.Config) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(),
		middleware.LoggingMiddleware(),
	}
	if cfg.Limits.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
	}
	// Each attempt gets its own timeout.
	if cfg.Limits.HandlerRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Limits.HandlerRetries, cfg.Limits.RetryDelay))
	}
	if cfg.Limits.RequestTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Limits.RequestTimeout))
	}
	return mws
}

func dialer(cfg *config.Config) transport.Dialer {
	d := transport.DefaultDialer
	d.MaxRetries = cfg.Client.Retries
	if cfg.Client.DialTimeout > 0 {
		d.Timeout = cfg.Client.DialTimeout
	}
	return d
}

// openRegistry connects to etcd, or returns nil when no endpoints are configured.
func openRegistry(cfg *config.Config, log logr.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	dialTimeout := cfg.Registry.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, dialTimeout,
		registry.WithPrefix(cfg.Registry.Prefix),
		registry.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry: %w", err)
	}
	return reg, nil
}
