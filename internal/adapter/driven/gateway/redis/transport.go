// Package redis carries envelopes over Redis pub/sub. Every endpoint
// subscribes to its own channel and publishes to the recipient's.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("redis: not subscribed")

const (
	channelPrefix = "signal:"

	defaultRetryDelay = time.Second
)

func ChannelFor(userID domain.UserID) string {
	return channelPrefix + userID.String()
}

// NewClient parses url and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info().Str("addr", opt.Addr).Msg("Connected to Redis")
	return client, nil
}

type Transport struct {
	client *redis.Client
	userID domain.UserID

	RetryDelay time.Duration

	mu      sync.RWMutex
	state   domain.ConnectionState
	handler func(domain.Envelope)
}

func NewTransport(client *redis.Client, userID domain.UserID) *Transport {
	return &Transport{
		client:     client,
		userID:     userID,
		RetryDelay: defaultRetryDelay,
		state:      domain.ConnectionDisconnected,
	}
}

func (t *Transport) OnMessage(handler func(domain.Envelope)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *Transport) ConnectionState() domain.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) Send(ctx context.Context, env domain.Envelope) error {
	if t.ConnectionState() != domain.ConnectionConnected {
		return ErrNotConnected
	}
	data, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, ChannelFor(env.To), data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Run keeps the subscription alive until ctx is done. go-redis resubscribes
// on the next receive after a connection error.
func (t *Transport) Run(ctx context.Context) {
	channel := ChannelFor(t.userID)
	l := log.With().Str("channel", channel).Logger()

	t.setState(domain.ConnectionConnecting)
	ps := t.client.Subscribe(ctx, channel)
	// Receive does not watch ctx while it waits on the socket; closing the
	// subscription unblocks it.
	stop := context.AfterFunc(ctx, func() { ps.Close() })
	defer func() {
		if stop() {
			ps.Close()
		}
		t.setState(domain.ConnectionDisconnected)
	}()

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if t.ConnectionState() == domain.ConnectionConnected {
				l.Warn().Err(err).Msg("Subscription lost")
			}
			t.setState(domain.ConnectionDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.RetryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				l.Info().Msg("Subscribed")
				t.setState(domain.ConnectionConnected)
			}
		case *redis.Message:
			t.deliver(m.Payload)
		}
	}
}

func (t *Transport) deliver(payload string) {
	env, err := wire.Unmarshal([]byte(payload))
	if err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable envelope")
		return
	}
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(env)
	}
}

func (t *Transport) setState(s domain.ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
