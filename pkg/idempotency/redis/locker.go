// Package redis provides a distributed per-key lock on rueidis so that
// several engine processes can share one ledger.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = rueidis.NewLuaScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)

type Config struct {
	// Addr is the Redis server address for single node/sentinel mode.
	// For cluster mode, use ClusterAddrs instead.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string `mapstructure:"cluster_addrs" yaml:"cluster_addrs,omitempty"`
	Username     string   `mapstructure:"username" yaml:"username,omitempty"`
	Password     string   `mapstructure:"password" yaml:"password,omitempty"`
	// DB is the Redis database number. Cluster mode only supports DB 0.
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// LockTTL bounds how long a crashed holder keeps a key. It must exceed
	// the gateway timeout so a live dispatch never loses its lock.
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// Sentinel configuration for high availability
	SentinelMasterSet string   `mapstructure:"sentinel_master_set" yaml:"sentinel_master_set,omitempty"`
	SentinelAddrs     []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		KeyPrefix:    "transfer:lock:",
		LockTTL:      time.Minute,
		PollInterval: 25 * time.Millisecond,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Locker implements idempotency.Locker with SET NX PX and a compare-and-delete release.
type Locker struct {
	client rueidis.Client
	config Config
	logger *logging.Logger
}

// NewLocker connects to Redis and pings it.
func NewLocker(config Config, logger *logging.Logger) (*Locker, error) {
	def := DefaultConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if logger == nil {
		logger = logging.Global()
	}

	var initAddress []string
	if len(config.ClusterAddrs) > 0 {
		initAddress = config.ClusterAddrs
	} else if len(config.SentinelAddrs) > 0 {
		initAddress = config.SentinelAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		// Lock keys are never read through the client-side cache.
		DisableCache: true,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{MasterSet: config.SentinelMasterSet}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &Locker{
		client: client,
		config: config,
		logger: logger.Named("redis-locker"),
	}, nil
}

// Lock blocks until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.tryLock(ctx, fullKey, token)
		if err != nil {
			return nil, err
		}
		if ok {
			return l.releaser(fullKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) tryLock(ctx context.Context, fullKey, token string) (bool, error) {
	cmd := l.client.B().Set().Key(fullKey).Value(token).Nx().PxMilliseconds(l.config.LockTTL.Milliseconds()).Build()
	if err := l.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("redis lock %s: %w", fullKey, err)
	}
	return true, nil
}

func (l *Locker) releaser(fullKey, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := releaseScript.Exec(ctx, l.client, []string{fullKey}, []string{token}).AsInt64()
		if err != nil {
			l.logger.Warn("failed to release lock; it expires with its TTL",
				zap.String("key", fullKey),
				zap.Duration("ttl", l.config.LockTTL),
				zap.Error(err),
			)
			return
		}
		if n == 0 {
			l.logger.Warn("lock expired before release", zap.String("key", fullKey))
		}
	}
}

// Ping checks the connection.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Do(ctx, l.client.B().Ping().Build()).Error()
}

func (l *Locker) Close() error {
	l.client.Close()
	return nil
}
