package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SyncConfig contains Redis sync configuration
type SyncConfig struct {
	RedisURL  string
	KeyPrefix string
}

// Sync replicates settings through Redis so multiple processes converge.
// The current value lives under a prefixed key; updates are announced on a
// pub/sub channel. Every remote read failure falls back to the last-known
// settings, so a dead Redis never stalls masking.
type Sync struct {
	client    *redis.Client
	config    *SyncConfig
	logger    *zap.Logger
	onRemote  func(Settings)
	mu        sync.RWMutex
	lastKnown *Settings
	cancel    context.CancelFunc
}

// NewSync creates a Redis-backed settings sync
func NewSync(config *SyncConfig, logger *zap.Logger) (*Sync, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Sync{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// OnRemoteUpdate registers the callback invoked when another process
// publishes a settings change
func (sy *Sync) OnRemoteUpdate(fn func(Settings)) {
	sy.mu.Lock()
	sy.onRemote = fn
	sy.mu.Unlock()
}

// Start begins listening for remote updates
func (sy *Sync) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sy.mu.Lock()
	sy.cancel = cancel
	sy.mu.Unlock()

	pubsub := sy.client.Subscribe(ctx, sy.channel())
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var remote Settings
				if err := json.Unmarshal([]byte(msg.Payload), &remote); err != nil {
					sy.logger.Warn("Ignoring malformed settings broadcast", zap.Error(err))
					continue
				}
				sy.remember(remote)

				sy.mu.RLock()
				fn := sy.onRemote
				sy.mu.RUnlock()
				if fn != nil {
					fn(remote)
				}
			}
		}
	}()

	sy.logger.Info("Settings sync started", zap.String("channel", sy.channel()))
}

// Stop tears down the subscription and closes the client
func (sy *Sync) Stop() {
	sy.mu.Lock()
	cancel := sy.cancel
	sy.cancel = nil
	sy.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sy.client.Close()
}

// Publish stores the settings and announces the change to peers
func (sy *Sync) Publish(s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := sy.client.Set(ctx, sy.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store settings: %w", err)
	}
	if err := sy.client.Publish(ctx, sy.channel(), data).Err(); err != nil {
		return fmt.Errorf("failed to announce settings: %w", err)
	}

	sy.remember(s)
	return nil
}

// Load fetches the stored settings. On any transport failure it returns the
// last-known settings instead, and only errors when nothing was ever seen.
func (sy *Sync) Load() (Settings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := sy.client.Get(ctx, sy.key()).Bytes()
	if err == nil {
		var s Settings
		if jsonErr := json.Unmarshal(data, &s); jsonErr == nil {
			sy.remember(s)
			return s, nil
		}
		err = fmt.Errorf("stored settings are malformed")
	}

	sy.mu.RLock()
	cached := sy.lastKnown
	sy.mu.RUnlock()

	if cached != nil {
		sy.logger.Warn("Falling back to last-known settings", zap.Error(err))
		return cached.Clone(), nil
	}

	if err == redis.Nil {
		return Settings{}, redis.Nil
	}
	return Settings{}, fmt.Errorf("failed to load settings: %w", err)
}

func (sy *Sync) remember(s Settings) {
	clone := s.Clone()
	sy.mu.Lock()
	sy.lastKnown = &clone
	sy.mu.Unlock()
}

func (sy *Sync) key() string {
	return sy.config.KeyPrefix + ":settings"
}

func (sy *Sync) channel() string {
	return sy.config.KeyPrefix + ":settings:updates"
}
