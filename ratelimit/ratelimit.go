package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bartossh/Relayer/logger"
)

const (
	defaultWindow = 60
	defaultMax    = 10
	keyPrefix     = "relayer:rl:"
	evalTimeout   = 500 * time.Millisecond
)

const allowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

// Config contains the fixed window limit applied per session key.
type Config struct {
	Window uint64 `yaml:"window"` // Window length in seconds.
	Max    int    `yaml:"max"`    // Max requests allowed in a window.
}

func (c Config) normalized() Config {
	if c.Window == 0 {
		c.Window = defaultWindow
	}
	if c.Max <= 0 {
		c.Max = defaultMax
	}
	return c
}

// RedisConfig contains the redis connection, the limiter counts in memory when Address is empty.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// Limiter tells if another request for the key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a fixed window limiter shared by all relay instances using the same redis.
type Redis struct {
	client redisEvaler
	window time.Duration
	max    int
	log    logger.Logger
}

// NewRedis creates the redis limiter.
func NewRedis(client *redis.Client, cfg Config, log logger.Logger) *Redis {
	return newRedis(client, cfg, log)
}

func newRedis(client redisEvaler, cfg Config, log logger.Logger) *Redis {
	cfg = cfg.normalized()
	return &Redis{
		client: client,
		window: time.Duration(cfg.Window) * time.Second,
		max:    cfg.Max,
		log:    log,
	}
}

// Allow counts the request, redis errors allow the request.
func (l *Redis) Allow(ctx context.Context, key string) bool {
	key = normalize(key)
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	count, err := l.client.Eval(ctx, allowScript, []string{keyPrefix + key}, int(l.window.Seconds())).Int()
	if err != nil {
		l.log.Warn(fmt.Sprintf("rate limiter redis eval failed, allowing [ %s ]: %s", key, err))
		return true
	}
	return count <= l.max
}

type window struct {
	start time.Time
	count int
}

// Memory is a fixed window limiter local to the relay instance.
type Memory struct {
	mux     sync.Mutex
	windows map[string]window
	window  time.Duration
	max     int
	now     func() time.Time
}

// NewMemory creates the in memory limiter.
func NewMemory(cfg Config) *Memory {
	cfg = cfg.normalized()
	return &Memory{
		windows: make(map[string]window),
		window:  time.Duration(cfg.Window) * time.Second,
		max:     cfg.Max,
		now:     time.Now,
	}
}

// Allow counts the request.
func (l *Memory) Allow(_ context.Context, key string) bool {
	key = normalize(key)
	if key == "" {
		return false
	}
	now := l.now()
	l.mux.Lock()
	defer l.mux.Unlock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.evict(now)
		w = window{start: now}
	}
	w.count++
	l.windows[key] = w
	return w.count <= l.max
}

func (l *Memory) evict(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}

// Dial returns the redis limiter when redis is configured and reachable, the in memory limiter otherwise.
// The returned close function releases the redis connection.
func Dial(ctx context.Context, rc RedisConfig, cfg Config, log logger.Logger) (Limiter, func() error) {
	noop := func() error { return nil }
	if rc.Address == "" {
		return NewMemory(cfg), noop
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		log.Warn(fmt.Sprintf("redis [ %s ] ping failed, rate limiting in memory: %s", rc.Address, err))
		_ = client.Close()
		return NewMemory(cfg), noop
	}
	return NewRedis(client, cfg, log), client.Close
}
