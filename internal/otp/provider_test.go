package otp

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSender struct {
	mu   sync.Mutex
	last map[string]string
	err  error
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) Send(_ context.Context, phone, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.last == nil {
		c.last = map[string]string{}
	}
	c.last[phone] = body
	return nil
}

var codePattern = regexp.MustCompile(`code is: (\d+)`)

func (c *captureSender) code(t *testing.T, phone string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	m := codePattern.FindStringSubmatch(c.last[phone])
	require.Len(t, m, 2, "no code delivered to %s", phone)
	return m[1]
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(client)
}

const phone = "+15550001111"

func TestProvider_SendAndVerify(t *testing.T) {
	mr, store := setupTestRedis(t)
	sender := &captureSender{}
	p := NewProvider(Config{}, store, sender, zap.NewNop())
	ctx := context.Background()

	res := p.Send(ctx, "sos_abc", phone)
	require.True(t, res.Success, res.Message)
	assert.True(t, mr.Exists("otp:sos_abc:+15550001111"))

	code := sender.code(t, phone)
	assert.Len(t, code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	v := p.Verify(ctx, "sos_abc", phone, wrong)
	assert.Equal(t, StatusInvalid, v.Status)
	assert.Equal(t, "Invalid OTP code.", v.Message)

	v = p.Verify(ctx, "sos_abc", phone, code)
	assert.Equal(t, StatusVerified, v.Status)
	assert.False(t, mr.Exists("otp:sos_abc:+15550001111"), "code is single use")

	v = p.Verify(ctx, "sos_abc", phone, code)
	assert.Equal(t, StatusExpired, v.Status)
}

func TestProvider_CodeExpires(t *testing.T) {
	mr, store := setupTestRedis(t)
	sender := &captureSender{}
	p := NewProvider(Config{TTL: time.Minute}, store, sender, zap.NewNop())
	ctx := context.Background()

	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	code := sender.code(t, phone)
	mr.FastForward(2 * time.Minute)

	v := p.Verify(ctx, "sos_1", phone, code)
	assert.Equal(t, StatusExpired, v.Status)
}

func TestProvider_ResendReplacesCode(t *testing.T) {
	_, store := setupTestRedis(t)
	sender := &captureSender{}
	p := NewProvider(Config{}, store, sender, zap.NewNop())
	ctx := context.Background()

	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	first := sender.code(t, phone)
	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	second := sender.code(t, phone)

	if first != second {
		assert.Equal(t, StatusInvalid, p.Verify(ctx, "sos_1", phone, first).Status)
	}
	assert.Equal(t, StatusVerified, p.Verify(ctx, "sos_1", phone, second).Status)
}

func TestProvider_LocksAfterMaxAttempts(t *testing.T) {
	_, store := setupTestRedis(t)
	sender := &captureSender{}
	p := NewProvider(Config{MaxAttempts: 3}, store, sender, zap.NewNop())
	ctx := context.Background()

	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	code := sender.code(t, phone)
	wrong := "999999"
	if code == wrong {
		wrong = "888888"
	}

	assert.Equal(t, StatusInvalid, p.Verify(ctx, "sos_1", phone, wrong).Status)
	assert.Equal(t, StatusInvalid, p.Verify(ctx, "sos_1", phone, wrong).Status)
	assert.Equal(t, StatusLocked, p.Verify(ctx, "sos_1", phone, wrong).Status)
	assert.Equal(t, StatusExpired, p.Verify(ctx, "sos_1", phone, code).Status, "locked code is burned")
}

func TestProvider_FailureKeepsTTL(t *testing.T) {
	mr, store := setupTestRedis(t)
	sender := &captureSender{}
	p := NewProvider(Config{TTL: time.Minute}, store, sender, zap.NewNop())
	ctx := context.Background()

	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	mr.FastForward(40 * time.Second)
	p.Verify(ctx, "sos_1", phone, "x")
	assert.LessOrEqual(t, mr.TTL("otp:sos_1:+15550001111"), 20*time.Second)
}

func TestRedisStore_ConcurrentFailuresCountExactly(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()
	key := Key("sos_1", phone)
	require.NoError(t, store.Put(ctx, key, "123456", time.Minute))
	mr.FastForward(30 * time.Second)

	const guesses = 20
	var wg sync.WaitGroup
	seen := make(chan int, guesses)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.RecordFailure(ctx, key)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	counts := map[int]bool{}
	for n := range seen {
		counts[n] = true
	}
	assert.Len(t, counts, guesses, "every failure gets its own count")

	rec, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, guesses, rec.Attempts)
	assert.Equal(t, "123456", rec.Code)

	assert.LessOrEqual(t, mr.TTL(key), 30*time.Second, "failures do not extend the code")
	assert.LessOrEqual(t, mr.TTL(attemptsKey(key)), 30*time.Second)
	assert.Greater(t, mr.TTL(attemptsKey(key)), time.Duration(0))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(attemptsKey(key)), "counter expires with the code")
	_, err = store.RecordFailure(ctx, key)
	assert.ErrorIs(t, err, errExpired)
}

func TestRedisStore_PutResetsAttempts(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()
	key := Key("sos_1", phone)

	require.NoError(t, store.Put(ctx, key, "111111", time.Minute))
	_, err := store.RecordFailure(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, key, "222222", time.Minute))

	rec, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Code: "222222"}, rec)
}

func TestProvider_SendRateLimited(t *testing.T) {
	p := NewProvider(Config{SendsPerMinute: 2}, NewMemoryStore(), &captureSender{}, zap.NewNop())
	ctx := context.Background()

	assert.True(t, p.Send(ctx, "sos_1", phone).Success)
	assert.True(t, p.Send(ctx, "sos_1", phone).Success)
	res := p.Send(ctx, "sos_1", phone)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Too many")

	assert.True(t, p.Send(ctx, "sos_1", "+15550002222").Success, "limit is per phone")
}

func TestProvider_IdleLimitersEvicted(t *testing.T) {
	now := time.Now()
	p := NewProvider(Config{SendsPerMinute: 1}, NewMemoryStore(), &captureSender{}, zap.NewNop())
	p.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, p.Send(ctx, "sos_1", phone).Success)
	require.True(t, p.Send(ctx, "sos_1", "+15550002222").Success)
	assert.False(t, p.Send(ctx, "sos_1", phone).Success)
	assert.Equal(t, 2, p.trackedPhones())

	now = now.Add(limiterIdle)
	require.True(t, p.Send(ctx, "sos_1", "+15550003333").Success)
	assert.Equal(t, 1, p.trackedPhones(), "idle phones are dropped")

	require.True(t, p.Send(ctx, "sos_1", phone).Success, "evicted phone starts with a full bucket")
	assert.False(t, p.Send(ctx, "sos_1", phone).Success)
}

func TestProvider_SenderFailureSurfaced(t *testing.T) {
	p := NewProvider(Config{}, NewMemoryStore(), &captureSender{err: errors.New("carrier down")}, zap.NewNop())
	res := p.Send(context.Background(), "sos_1", phone)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "carrier down")
}

func TestProvider_RedisDownIsError(t *testing.T) {
	mr, store := setupTestRedis(t)
	p := NewProvider(Config{}, store, &captureSender{}, zap.NewNop())
	mr.Close()

	assert.False(t, p.Send(context.Background(), "sos_1", phone).Success)
	assert.Equal(t, StatusError, p.Verify(context.Background(), "sos_1", phone, "123456").Status)
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "123456", time.Minute))
	n, err := s.RecordFailure(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(time.Minute)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.RecordFailure(ctx, "k")
	assert.ErrorIs(t, err, errExpired)
}
