package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client implements the claim primitive for generation requests: SET NX PX
// plus a Lua refresh. There is deliberately no release operation — a claimed
// request stays claimed so queue redelivery is a no-op, and TTL expiry is the
// only path back for crashed workers.
type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
	}
}

func (c *Client) Key(requestID string) string {
	requestID = strings.TrimSpace(requestID)
	if c == nil {
		return requestID
	}
	p := strings.TrimSpace(c.prefix)
	if p == "" {
		p = "ps:claim:request:"
	}
	return p + requestID
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Acquire claims key for holder. Returns false without error when the key is
// already held by someone.
func (c *Client) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis claim client not initialized")
	}
	key = strings.TrimSpace(key)
	holder = strings.TrimSpace(holder)
	if key == "" || holder == "" {
		return false, errors.New("claim key/holder empty")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return c.rdb.SetNX(ctx, key, holder, ttl).Result()
}

// Holder returns the current claimant of key, or "" when unclaimed.
func (c *Client) Holder(ctx context.Context, key string) (string, error) {
	if c == nil || c.rdb == nil {
		return "", errors.New("redis claim client not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("claim key empty")
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// Refresh extends the claim TTL while the holder is still working on the
// request. Returns false when the claim is gone or held by someone else.
func (c *Client) Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis claim client not initialized")
	}
	key = strings.TrimSpace(key)
	holder = strings.TrimSpace(holder)
	if key == "" || holder == "" {
		return false, errors.New("claim key/holder empty")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	px := ttl.Milliseconds()
	if px <= 0 {
		px = (2 * time.Hour).Milliseconds()
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, holder, px).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}
