// Package redisfeed spreads docstore change notifications across processes
// with Redis pub/sub.
//
// Every instance of the server that shares a database publishes its
// committed changes on one channel and relays everything it receives to its
// local subscription Hub. A write on instance A therefore wakes the live
// views of clients connected to instance B.
//
// Redis is optional: Connect falls back to an in-process feed when Redis
// cannot be reached, so a single-instance deployment works without it.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sakif/homework-helper/internal/docstore"
)

// DefaultChannel is the pub/sub channel changes are published on.
const DefaultChannel = "homework-helper:changes"

// Feed is a docstore.ChangeFeed over Redis pub/sub.
//
// Publish sends only to Redis. The change comes back to this process through
// the subscription like it does to every other instance, so local listeners
// are never notified twice.
type Feed struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	pubsub     *redis.PubSub
	local      *docstore.LocalFeed
	logger     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

var _ docstore.ChangeFeed = (*Feed)(nil)

// Connect dials Redis at addr and returns a Feed on DefaultChannel. When
// addr is empty or Redis does not answer a ping, it logs and returns an
// in-process feed instead.
func Connect(ctx context.Context, addr string, logger *slog.Logger) docstore.ChangeFeed {
	if addr == "" {
		logger.Info("redis not configured, using in-process change feed")
		return docstore.NewLocalFeed()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not available, using in-process change feed",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		client.Close()
		return docstore.NewLocalFeed()
	}

	feed, err := New(ctx, client, DefaultChannel, logger)
	if err != nil {
		logger.Warn("redis subscribe failed, using in-process change feed",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		client.Close()
		return docstore.NewLocalFeed()
	}
	feed.ownsClient = true

	logger.Info("redis change feed connected", slog.String("addr", addr))
	return feed
}

// New subscribes to channel on client and starts relaying. The caller keeps
// ownership of client.
func New(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*Feed, error) {
	pubsub := client.Subscribe(ctx, channel)

	// Receive blocks until Redis confirms the subscription, so no change
	// published after New returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redisfeed: subscribing to %s: %w", channel, err)
	}

	f := &Feed{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		local:   docstore.NewLocalFeed(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go f.relay()
	return f, nil
}

func (f *Feed) relay() {
	defer close(f.done)

	for msg := range f.pubsub.Channel() {
		var c docstore.Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			f.logger.Warn("dropping malformed change message",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.local.Publish(context.Background(), c)
	}
}

// Publish sends c to every instance, this one included.
//
// When Redis cannot take the message, c is still delivered to this
// instance's listeners: the write has committed, and local live views must
// not miss it just because the other instances will. A wake that arrives
// twice is harmless since every delivery leads to a full snapshot.
func (f *Feed) Publish(ctx context.Context, c docstore.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		f.local.Publish(ctx, c)
		return fmt.Errorf("redisfeed: encoding change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.local.Publish(ctx, c)
		return fmt.Errorf("redisfeed: publishing change: %w", err)
	}
	return nil
}

// Listen registers fn for changes received from Redis.
func (f *Feed) Listen(fn func(docstore.Change)) func() {
	return f.local.Listen(fn)
}

// Close stops relaying and, when the Feed dialed the client itself, closes it.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.pubsub.Close()
		<-f.done
		f.local.Close()
		if f.ownsClient {
			if cerr := f.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
