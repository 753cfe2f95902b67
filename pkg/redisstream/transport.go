// Package redisstream builds the watermill publisher and subscribers that carry the
// change feed, either in-process or over Redis Streams.
package redisstream

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport owns the publisher and hands out subscribers for feed topics.
type Transport struct {
	settings Settings
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	// in-process mode: the gochannel is both publisher and the shared subscriber.
	local *gochannel.GoChannel
	// redis mode
	client *redis.Client

	closeOnce sync.Once
	closeErr  error
}

// BuildTransport constructs an in-process transport unless Redis is enabled.
func BuildTransport(s Settings) (*Transport, error) {
	logger := NewWatermillLogger(log.Logger)
	t := &Transport{settings: s, logger: logger}

	if !s.Enabled {
		buf := s.BufferSize
		if buf <= 0 {
			buf = 256
		}
		// Publish returns only once every subscriber acked, so events reach subscribers
		// in the order they were published.
		t.local = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            int64(buf),
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		t.publisher = t.local
		return t, nil
	}

	if s.Addr == "" {
		return nil, errors.New("redis transport: empty address")
	}
	t.client = redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     t.client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = t.client.Close()
		return nil, errors.Wrap(err, "redis transport: publisher")
	}
	t.publisher = pub
	return t, nil
}

func (t *Transport) RedisEnabled() bool {
	return t != nil && t.settings.Enabled
}

func (t *Transport) Publisher() message.Publisher {
	if t == nil {
		return nil
	}
	return t.publisher
}

// NewSubscriber returns a subscriber that receives every message published to a topic
// after it subscribes. owned reports whether the caller must Close it; the in-process
// subscriber is shared and closed with the transport.
func (t *Transport) NewSubscriber(ctx context.Context) (message.Subscriber, bool, error) {
	if t == nil || t.publisher == nil {
		return nil, false, errors.New("transport is not initialized")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
	if t.local != nil {
		return t.local, false, nil
	}
	// An empty consumer group selects fan-out mode: every subscriber reads the stream
	// from its tail, so concurrent viewers of a session never split messages.
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       t.client,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, t.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "redis transport: subscriber")
	}
	return sub, true, nil
}

// Ping checks the Redis connection; it is a no-op for the in-process transport.
func (t *Transport) Ping(ctx context.Context) error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Ping(ctx).Err()
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		if t.publisher != nil {
			t.closeErr = t.publisher.Close()
		}
		if t.client != nil {
			if err := t.client.Close(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
	})
	return t.closeErr
}
