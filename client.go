// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

const defaultAMQPPort = "5672"

// TransportFactory opens a transport. Every requester and responder owns
// the transport it was built with.
type TransportFactory func(ctx context.Context) (messaging.Transport, error)

// Client builds requesters and responders against one broker endpoint
type Client struct {
	endpoint string
	cfg      *clientConfig
}

// NewClient creates a client for endpoint. The endpoint is either an AMQP URL
// or a bare broker namespace such as "broker.internal" or "broker:5673".
func NewClient(endpoint string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:        slog.Default(),
		timeout:       messaging.DefaultRequestTimeout,
		concurrency:   messaging.DefaultConcurrency,
		declareQueue:  true,
		requestQueue:  messaging.QueueOptions{Durable: true},
		reconnectWait: time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.transport == nil {
		if endpoint == "" {
			return nil, fmt.Errorf("endpoint cannot be empty")
		}
		resolved, err := ResolveEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		endpoint = resolved
	}
	if cfg.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", cfg.timeout)
	}

	return &Client{endpoint: endpoint, cfg: cfg}, nil
}

// ResolveEndpoint turns a broker namespace into an AMQP URL
func ResolveEndpoint(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		host := endpoint
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, defaultAMQPPort)
		}
		endpoint = "amqp://" + host + "/"
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.String(), nil
}

// Endpoint returns the resolved broker URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// NewRequester opens a transport and returns a started requester for
// requestQueue. Close on the requester releases the transport.
func (c *Client) NewRequester(ctx context.Context, requestQueue string, opts ...messaging.RequesterOption) (*messaging.Requester, error) {
	transport, err := c.openTransport(ctx)
	if err != nil {
		return nil, err
	}

	base := []messaging.RequesterOption{
		messaging.WithRequesterLogger(c.cfg.logger),
		messaging.WithDefaultTimeout(c.cfg.timeout),
		messaging.WithInboxPolicy(c.cfg.inboxPolicy),
	}
	if c.cfg.replyInbox != "" {
		base = append(base, messaging.WithReplyInbox(c.cfg.replyInbox))
	}
	if c.cfg.metrics != nil {
		base = append(base, messaging.WithRequesterMetrics(c.cfg.metrics))
	}

	requester, err := messaging.NewRequester(transport, requestQueue, append(base, opts...)...)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if err := requester.Start(ctx); err != nil {
		requester.Close()
		return nil, err
	}
	return requester, nil
}

// NewResponder opens a transport, declares requestQueue unless disabled and
// returns a started responder
func (c *Client) NewResponder(ctx context.Context, requestQueue string, handler messaging.Handler, opts ...messaging.ResponderOption) (*messaging.Responder, error) {
	transport, err := c.openTransport(ctx)
	if err != nil {
		return nil, err
	}

	if c.cfg.declareQueue {
		if err := transport.CreateQueue(ctx, requestQueue, c.cfg.requestQueue); err != nil {
			transport.Close()
			return nil, fmt.Errorf("failed to declare request queue %s: %w", requestQueue, err)
		}
		c.cfg.logger.Info("request queue declared", "queue", requestQueue)
	}

	base := []messaging.ResponderOption{
		messaging.WithResponderLogger(c.cfg.logger),
		messaging.WithConcurrency(c.cfg.concurrency),
	}
	if c.cfg.metrics != nil {
		base = append(base, messaging.WithResponderMetrics(c.cfg.metrics))
	}

	responder, err := messaging.NewResponder(transport, requestQueue, handler, append(base, opts...)...)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if err := responder.Start(ctx); err != nil {
		responder.Close()
		return nil, err
	}
	return responder, nil
}

func (c *Client) openTransport(ctx context.Context) (messaging.Transport, error) {
	if c.cfg.transport != nil {
		return c.cfg.transport(ctx)
	}

	opts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(c.cfg.logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithReconnectDelay(c.cfg.reconnectWait)),
	}
	if c.cfg.enableFIFO {
		opts = append(opts, rabbitmqTransport.WithFIFOMode(true))
	}

	transport, err := rabbitmqTransport.NewTransport(ctx, c.endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return transport, nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	timeout       time.Duration
	replyInbox    string
	inboxPolicy   messaging.InboxPolicy
	concurrency   int
	metrics       messaging.MetricsCollector
	enableFIFO    bool
	declareQueue  bool
	requestQueue  messaging.QueueOptions
	reconnectWait time.Duration
	transport     TransportFactory
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithTimeout sets the default request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithReplyInbox sets the reply inbox name instead of deriving it from the host name
func WithReplyInbox(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyInbox = name
	}
}

// WithInboxPolicy selects per-process or per-request reply inboxes
func WithInboxPolicy(policy messaging.InboxPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.inboxPolicy = policy
	}
}

// WithConcurrency sets how many requests a responder handles at once
func WithConcurrency(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.concurrency = n
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithFIFOMode declares request queues with a single active consumer
func WithFIFOMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableFIFO = enabled
	}
}

// WithRequestQueueDeclaration controls whether responders declare their
// request queue and with which options
func WithRequestQueueDeclaration(declare bool, options messaging.QueueOptions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.declareQueue = declare
		cfg.requestQueue = options
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectWait = delay
	}
}

// WithTransportFactory replaces the RabbitMQ transport, e.g. with an
// in-memory broker
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = factory
	}
}
