//go:build integration

package quantum

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	require.NoError(t, store.Ping(context.Background()))
	return store
}

func TestRedisStoreManagerRoundTrip(t *testing.T) {
	store := newRedisStore(t).WithSealer(newTestSealer(t, 0x11))
	m := NewManager(NewSimulatedBackend(), store, nil)
	ctx := context.Background()

	res, err := m.Establish(ctx, EstablishRequest{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Delete(ctx, res.SessionID) })

	sealed, err := m.Encrypt(ctx, res.SessionID, []byte("shared across replicas"))
	require.NoError(t, err)
	pt, err := m.Decrypt(ctx, res.SessionID, sealed)
	require.NoError(t, err)
	assert.Equal(t, "shared across replicas", string(pt))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestRedisStoreTTL(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	sess := &Session{ID: "qss_ttl00001", Status: StatusEstablished, ExpiresAt: time.Now().Add(time.Second)}
	require.NoError(t, store.Put(ctx, sess))

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, sess.ID)
		return err == ErrSessionNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestRedisStoreSharedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	writer := newRedisStore(t).WithSealer(newTestSealer(t, 0x11))
	reader := newRedisStore(t).WithSealer(newTestSealer(t, 0x11))
	stranger := newRedisStore(t).WithSealer(newTestSealer(t, 0x22))

	sess := &Session{ID: "qss_shared01", Status: StatusEstablished, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, writer.PutIfAbsent(ctx, sess, time.Now()))
	t.Cleanup(func() { _ = writer.Delete(ctx, sess.ID) })

	got, err := reader.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = stranger.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = reader.PutIfAbsent(ctx, sess, time.Now())
	assert.ErrorIs(t, err, ErrSessionExists)
}
