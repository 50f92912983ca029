// Package http provides the HTTP transport. Publishing POSTs each message to
// PublisherURL+topic and subscribing registers a route per topic on a server
// bound to ServerAddress.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
)

const TransportName = "http"

var (
	ErrServerAddressRequired = errors.New("http: server address is required")
	ErrPublisherURLRequired  = errors.New("http: publisher URL is required")
)

// PublisherFactory builds the publisher; tests may replace it.
var PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// SubscriberFactory builds the subscriber; tests may replace it.
var SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return transport.Transport{}, ErrServerAddressRequired
	}
	base := cfg.GetHTTPPublisherURL()
	if base == "" {
		return transport.Transport{}, ErrPublisherURLRequired
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: topicURLMarshaler(base),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &serverSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

func topicURLMarshaler(base string) http.MarshalMessageFunc {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		return http.DefaultMarshalMessageFunc(base+topic, msg)
	}
}

// serverSubscriber starts the underlying HTTP server once the runtime has
// registered every topic route.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
}

func (s *serverSubscriber) Start(ctx context.Context) error {
	server, ok := s.Subscriber.(*http.Subscriber)
	if !ok {
		return nil
	}
	go func() {
		if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			s.logger.Error("HTTP subscriber server stopped", err, nil)
		}
	}()
	return nil
}
