package payout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrReservationLost is returned by Record when the reservation is no longer
// held by the recording owner.
var ErrReservationLost = errors.New("payout reservation lost")

// Reservation records the deposit attempt currently owning a task's payout.
// Hash is empty between acquiring the reservation and signing the deposit.
// Submitted is set once the owner finished submitting without learning
// whether the ledger accepted the deposit.
type Reservation struct {
	Owner     string    `json:"owner"`
	Hash      string    `json:"hash,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Submitted bool      `json:"submitted,omitempty"`
}

// Reservations guards against submitting two deposits for one task, across
// retries and across service instances. Every mutation is checked against
// the owner, so an attempt can only change or free its own reservation.
type Reservations interface {
	// Acquire takes key for owner. When key is already held it returns the
	// current reservation and false.
	Acquire(ctx context.Context, key, owner string) (Reservation, bool, error)
	// Record replaces the reservation held by r.Owner. It fails with
	// ErrReservationLost when key is free or held by someone else.
	Record(ctx context.Context, key string, r Reservation) error
	// Release frees key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

func reservationKey(taskID string) string {
	return "payout:" + taskID
}

// RedisReservations keeps reservations in Redis so every instance sees them.
type RedisReservations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReservations creates reservations that expire after ttl.
func NewRedisReservations(client *redis.Client, ttl time.Duration) *RedisReservations {
	return &RedisReservations{client: client, ttl: ttl}
}

func decodeReservation(raw []byte) (Reservation, error) {
	var cur Reservation
	err := sonic.Unmarshal(raw, &cur)
	return cur, err
}

func (r *RedisReservations) Acquire(ctx context.Context, key, owner string) (Reservation, bool, error) {
	data, err := sonic.Marshal(Reservation{Owner: owner})
	if err != nil {
		return Reservation{}, false, err
	}
	ok, err := r.client.SetNX(ctx, key, data, r.ttl).Result()
	if err != nil || ok {
		return Reservation{}, ok, err
	}
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// released between SetNX and Get
		return r.Acquire(ctx, key, owner)
	}
	if err != nil {
		return Reservation{}, false, err
	}
	cur, err := decodeReservation(raw)
	return cur, false, err
}

// Record swaps the reservation under WATCH so a concurrent release or
// takeover aborts the write.
func (r *RedisReservations) Record(ctx context.Context, key string, res Reservation) error {
	data, err := sonic.Marshal(res)
	if err != nil {
		return err
	}
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrReservationLost
		}
		if err != nil {
			return err
		}
		cur, err := decodeReservation(raw)
		if err != nil {
			return err
		}
		if cur.Owner != res.Owner {
			return ErrReservationLost
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrReservationLost
	}
	return err
}

func (r *RedisReservations) Release(ctx context.Context, key, owner string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := decodeReservation(raw)
		if err != nil {
			return err
		}
		if cur.Owner != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// changed under us, so it is no longer ours to free
		return nil
	}
	return err
}

// MemoryReservations is a single-process Reservations.
type MemoryReservations struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	held map[string]memoryReservation
}

type memoryReservation struct {
	res     Reservation
	expires time.Time
}

// NewMemoryReservations creates in-process reservations that expire after
// ttl. A non-positive ttl keeps them until released.
func NewMemoryReservations(ttl time.Duration) *MemoryReservations {
	return &MemoryReservations{ttl: ttl, now: time.Now, held: make(map[string]memoryReservation)}
}

// current returns the live reservation for key. Callers hold mu.
func (m *MemoryReservations) current(key string) (Reservation, bool) {
	cur, ok := m.held[key]
	if !ok || (m.ttl > 0 && !m.now().Before(cur.expires)) {
		return Reservation{}, false
	}
	return cur.res, true
}

func (m *MemoryReservations) Acquire(_ context.Context, key, owner string) (Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current(key); ok {
		return cur, false, nil
	}
	m.held[key] = memoryReservation{res: Reservation{Owner: owner}, expires: m.now().Add(m.ttl)}
	return Reservation{}, true, nil
}

func (m *MemoryReservations) Record(_ context.Context, key string, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current(key); !ok || cur.Owner != r.Owner {
		return ErrReservationLost
	}
	m.held[key] = memoryReservation{res: r, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryReservations) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current(key); ok && cur.Owner != owner {
		return nil
	}
	delete(m.held, key)
	return nil
}
