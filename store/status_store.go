package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pixelstudio/domain"
	"pixelstudio/redislock"
)

// ProcessingStatusStore is the shared state store for generation requests:
// who is processing a request and what its current state is. It must stay
// correct under concurrent delivery — the queue may redeliver a message, or
// the push webhook may fire twice for the same request.
//
// Terminal records (complete/failed/partial) are immutable: Update is a no-op
// once a terminal state has been written.
type ProcessingStatusStore interface {
	Create(st *domain.ProcessingStatus) error
	Get(requestID string) (*domain.ProcessingStatus, bool, error)
	Update(requestID string, fn func(st *domain.ProcessingStatus)) (*domain.ProcessingStatus, bool, error)

	// Claim atomically assigns requestID to workerID. Exactly one concurrent
	// caller wins; losers get claimed=false plus the current processor so they
	// can no-op. Claims are never released.
	Claim(ctx context.Context, requestID, workerID string) (claimed bool, currentProcessor string, err error)
}

// StatusSubscriber is the optional realtime channel: a stream of status
// records for one request, fed by Update. Polling Get stays the source of
// truth; this only lowers latency.
type StatusSubscriber interface {
	Subscribe(ctx context.Context, requestID string) (<-chan domain.ProcessingStatus, func(), error)
}

type InMemoryStatusStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	claims  map[string]string
	subs    map[string]map[int]chan domain.ProcessingStatus
	nextSub int
	ttl     time.Duration
}

type memoryEntry struct {
	status    domain.ProcessingStatus
	expiresAt time.Time
}

func NewInMemoryStatusStore(ttl time.Duration) *InMemoryStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemoryStatusStore{
		entries: make(map[string]*memoryEntry),
		claims:  make(map[string]string),
		subs:    make(map[string]map[int]chan domain.ProcessingStatus),
		ttl:     ttl,
	}
}

func (s *InMemoryStatusStore) Create(st *domain.ProcessingStatus) error {
	if st == nil || strings.TrimSpace(st.RequestID) == "" {
		return errors.New("status/requestID empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[st.RequestID]; ok && time.Now().Before(e.expiresAt) {
		// SetNX semantics: keep the existing record.
		return nil
	}
	cp := *st
	s.entries[st.RequestID] = &memoryEntry{status: cp, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *InMemoryStatusStore) Get(requestID string) (*domain.ProcessingStatus, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		return nil, false, nil
	}
	if !time.Now().Before(e.expiresAt) {
		delete(s.entries, requestID)
		return nil, false, nil
	}
	cp := e.status
	return &cp, true, nil
}

func (s *InMemoryStatusStore) Update(requestID string, fn func(st *domain.ProcessingStatus)) (*domain.ProcessingStatus, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	e, ok := s.entries[requestID]
	if !ok || !time.Now().Before(e.expiresAt) {
		delete(s.entries, requestID)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.status.Status.Terminal() {
		cp := e.status
		s.mu.Unlock()
		return &cp, true, nil
	}
	fn(&e.status)
	e.status.Timestamp = time.Now()
	e.expiresAt = time.Now().Add(s.ttl)
	cp := e.status
	s.mu.Unlock()
	s.publish(cp)
	return &cp, true, nil
}

func (s *InMemoryStatusStore) Claim(ctx context.Context, requestID, workerID string) (bool, string, error) {
	requestID = strings.TrimSpace(requestID)
	workerID = strings.TrimSpace(workerID)
	if requestID == "" || workerID == "" {
		return false, "", errors.New("requestID/workerID empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.claims[requestID]; ok {
		return false, cur, nil
	}
	s.claims[requestID] = workerID
	if e, ok := s.entries[requestID]; ok {
		e.status.ClaimedBy = workerID
	}
	return true, workerID, nil
}

func (s *InMemoryStatusStore) Subscribe(ctx context.Context, requestID string) (<-chan domain.ProcessingStatus, func(), error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil, errors.New("requestID empty")
	}
	ch := make(chan domain.ProcessingStatus, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[requestID] == nil {
		s.subs[requestID] = make(map[int]chan domain.ProcessingStatus)
	}
	s.subs[requestID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if m, ok := s.subs[requestID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(s.subs, requestID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *InMemoryStatusStore) publish(st domain.ProcessingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[st.RequestID] {
		select {
		case ch <- st:
		default:
			// slow subscriber: drop, poll remains the source of truth
		}
	}
}

func readStatusTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("STATUS_TTL_SECONDS"))
	if raw == "" {
		return 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type RedisStatusStore struct {
	rdb       *redis.Client
	claims    *redislock.Client
	keyPrefix string
	pubPrefix string
	ttl       time.Duration
}

func NewRedisStatusStore(addr, password string) (*RedisStatusStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("status store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), readStatusTTL())

	return &RedisStatusStore{
		rdb:       rdb,
		claims:    redislock.New(rdb, "ps:claim:request:"),
		keyPrefix: "ps:status:",
		pubPrefix: "ps:status:updates:",
		ttl:       readStatusTTL(),
	}, nil
}

func (s *RedisStatusStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisStatusStore) channel(id string) string {
	return s.pubPrefix + strings.TrimSpace(id)
}

func (s *RedisStatusStore) Create(st *domain.ProcessingStatus) error {
	if st == nil || strings.TrimSpace(st.RequestID) == "" {
		return errors.New("status/requestID empty")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.SetNX(ctx, s.key(st.RequestID), b, s.ttl).Err()
}

func (s *RedisStatusStore) Get(requestID string) (*domain.ProcessingStatus, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var st domain.ProcessingStatus
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, false, err
	}
	return &st, true, nil
}

// Update runs fn on the current record under optimistic WATCH CAS and
// republishes the result. Sibling children of a comparison request may update
// the same parent concurrently; the CAS retry keeps every upsert.
func (s *RedisStatusStore) Update(requestID string, fn func(st *domain.ProcessingStatus)) (*domain.ProcessingStatus, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(requestID)

	var out *domain.ProcessingStatus
	var ok bool
	var changed bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		changed = false
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var st domain.ProcessingStatus
			if err := json.Unmarshal([]byte(val), &st); err != nil {
				return err
			}
			if st.Status.Terminal() {
				// immutable once terminal
				out = &st
				ok = true
				return nil
			}
			fn(&st)
			st.Timestamp = time.Now()
			out = &st
			ok = true
			changed = true

			nb, err := json.Marshal(&st)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			if changed && out != nil {
				s.publishUpdate(ctx, *out)
			}
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisStatusStore) Claim(ctx context.Context, requestID, workerID string) (bool, string, error) {
	requestID = strings.TrimSpace(requestID)
	workerID = strings.TrimSpace(workerID)
	if requestID == "" || workerID == "" {
		return false, "", errors.New("requestID/workerID empty")
	}
	key := s.claims.Key(requestID)
	got, err := s.claims.Acquire(ctx, key, workerID, s.ttl)
	if err != nil {
		return false, "", err
	}
	if !got {
		cur, err := s.claims.Holder(ctx, key)
		if err != nil {
			return false, "", err
		}
		return false, cur, nil
	}
	_, _, _ = s.Update(requestID, func(st *domain.ProcessingStatus) {
		st.ClaimedBy = workerID
	})
	return true, workerID, nil
}

// RefreshClaim extends the claim TTL for a long-running generation call.
func (s *RedisStatusStore) RefreshClaim(ctx context.Context, requestID, workerID string) (bool, error) {
	return s.claims.Refresh(ctx, s.claims.Key(requestID), workerID, s.ttl)
}

func (s *RedisStatusStore) publishUpdate(ctx context.Context, st domain.ProcessingStatus) {
	b, err := json.Marshal(&st)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(st.RequestID), b).Err(); err != nil {
		log.Printf("status publish failed requestId=%s: %v", st.RequestID, err)
	}
}

func (s *RedisStatusStore) Subscribe(ctx context.Context, requestID string) (<-chan domain.ProcessingStatus, func(), error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil, errors.New("requestID empty")
	}
	sub := s.rdb.Subscribe(ctx, s.channel(requestID))
	// Force the subscription to be established before we hand out the channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan domain.ProcessingStatus, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var st domain.ProcessingStatus
			if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
				continue
			}
			select {
			case out <- st:
			default:
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
