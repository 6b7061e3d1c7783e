package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
	"github.com/redis/go-redis/v9"
)

// Config represents the Redis store config structure.
type Config struct {
	Address  string        `koanf:"address"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	PoolSize int           `koanf:"pool_size"`
	Timeout  time.Duration `koanf:"timeout"`
	TTL      time.Duration `koanf:"ttl"`

	// fmt patterns taking the room id.
	PrefixState   string `koanf:"prefix_state"`
	PrefixChannel string `koanf:"prefix_channel"`
}

// Redis is the Redis implementation of the Store interface. Every saved state
// is also published on the room's channel for out-of-process subscribers.
type Redis struct {
	cfg    Config
	client *redis.Client
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	if cfg.PrefixState == "" {
		cfg.PrefixState = "roomsync:state:%s"
	}
	if cfg.PrefixChannel == "" {
		cfg.PrefixChannel = "roomsync:room:%s"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// Test connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{cfg: cfg, client: client}, nil
}

// SaveState writes the state with the configured TTL and publishes it.
func (r *Redis) SaveState(ctx context.Context, s engine.State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(r.cfg.PrefixState, s.RoomID), b, r.cfg.TTL)
	pipe.Publish(ctx, fmt.Sprintf(r.cfg.PrefixChannel, s.RoomID), b)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadState reads a room's state.
func (r *Redis) LoadState(ctx context.Context, roomID string) (engine.State, error) {
	var out engine.State

	b, err := r.client.Get(ctx, fmt.Sprintf(r.cfg.PrefixState, roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, store.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode state %s: %w", roomID, err)
	}
	return out, nil
}

// RemoveState deletes a room's state.
func (r *Redis) RemoveState(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, fmt.Sprintf(r.cfg.PrefixState, roomID)).Err()
}

// Subscribe streams the states published for a room until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, roomID string) <-chan engine.State {
	out := make(chan engine.State, 16)
	sub := r.client.Subscribe(ctx, fmt.Sprintf(r.cfg.PrefixChannel, roomID))

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var s engine.State
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					continue
				}
				select {
				case out <- s:
				default:
				}
			}
		}
	}()
	return out
}

// Close closes the client pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
