// Package sessiontest holds the behavioural checks every session.Store
// backend must pass.
package sessiontest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"sessionstore/pkg/session"
)

// Harness is a freshly isolated store under test.
type Harness struct {
	Store session.Store
	// Rows reports how many records are physically present, expired ones
	// included. Optional.
	Rows func(t *testing.T) int
}

// Factory builds an empty, isolated backend. ids is nil unless a test needs
// to control identifier generation.
type Factory func(t *testing.T, ids session.IDGenerator) Harness

// Run executes the full behavioural suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateThenLoad", func(t *testing.T) { testCreateThenLoad(t, newStore) })
	t.Run("LoadUnknown", func(t *testing.T) { testLoadUnknown(t, newStore) })
	t.Run("LoadExpired", func(t *testing.T) { testLoadExpired(t, newStore) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore) })
	t.Run("SaveReplacesInFull", func(t *testing.T) { testSaveReplacesInFull(t, newStore) })
	t.Run("SaveInsertsUnknownID", func(t *testing.T) { testSaveInsertsUnknownID(t, newStore) })
	t.Run("SaveRevivesExpired", func(t *testing.T) { testSaveRevivesExpired(t, newStore) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, newStore) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, newStore) })
	t.Run("CreateRetriesOnCollision", func(t *testing.T) { testCreateRetriesOnCollision(t, newStore) })
	t.Run("CreateCollisionsExhausted", func(t *testing.T) { testCreateCollisionsExhausted(t, newStore) })
}

// SequenceIDs returns a generator that yields ids in order and then repeats
// the last one forever.
func SequenceIDs(ids ...string) session.IDGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id, nil
	}
}

func assertRecord(t *testing.T, got session.Record, id string, data []byte, expiry time.Time) {
	t.Helper()
	assert.Equal(t, id, got.ID)
	assert.True(t, bytes.Equal(data, got.Data), "data = %q, want %q", got.Data, data)
	assert.True(t, session.NormalizeExpiry(expiry).Equal(got.Expiry), "expiry = %v, want %v", got.Expiry, expiry)
}

func testCreateThenLoad(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	for _, data := range [][]byte{
		[]byte(`{"user_id":42}`),
		{},
		bytes.Repeat([]byte("large-payload."), 4096),
	} {
		id, err := h.Store.Create(ctx, data, expiry)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := h.Store.Load(ctx, id)
		require.NoError(t, err)
		assertRecord(t, got, id, data, expiry)
	}
}

func testLoadUnknown(t *testing.T, newStore Factory) {
	h := newStore(t, nil)

	for _, id := range []string{"AAAAAAAAAAAAAAAAAAAAAA", "malformed", ""} {
		_, err := h.Store.Load(context.Background(), id)
		assert.ErrorIs(t, err, session.ErrNotFound, "id %q", id)
	}
}

func testLoadExpired(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()

	id, err := h.Store.Create(ctx, []byte("stale"), time.Now().Add(-time.Second))
	require.NoError(t, err)

	_, err = h.Store.Load(ctx, id)
	require.ErrorIs(t, err, session.ErrNotFound)

	if h.Rows != nil {
		assert.Equal(t, 1, h.Rows(t), "expired row is kept until purged")
	}
}

func testDeleteIdempotent(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()

	id, err := h.Store.Create(ctx, []byte("bye"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, h.Store.Delete(ctx, id))
	require.NoError(t, h.Store.Delete(ctx, id))
	require.NoError(t, h.Store.Delete(ctx, "never-created"))

	_, err = h.Store.Load(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testSaveReplacesInFull(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()
	t1 := time.Now().Add(time.Hour)
	t2 := time.Now().Add(2 * time.Hour)

	id, err := h.Store.Create(ctx, []byte("A"), t1)
	require.NoError(t, err)

	require.NoError(t, h.Store.Save(ctx, id, []byte("A"), t1))
	require.NoError(t, h.Store.Save(ctx, id, []byte("B"), t2))

	got, err := h.Store.Load(ctx, id)
	require.NoError(t, err)
	assertRecord(t, got, id, []byte("B"), t2)
}

func testSaveInsertsUnknownID(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	require.NoError(t, h.Store.Save(ctx, "caller-chosen", []byte("fresh"), expiry))

	got, err := h.Store.Load(ctx, "caller-chosen")
	require.NoError(t, err)
	assertRecord(t, got, "caller-chosen", []byte("fresh"), expiry)

	assert.ErrorIs(t, h.Store.Save(ctx, "", []byte("x"), expiry), session.ErrConstraintViolation)
}

func testSaveRevivesExpired(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()

	id, err := h.Store.Create(ctx, []byte("old"), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, h.Store.Save(ctx, id, []byte("new"), expiry))

	got, err := h.Store.Load(ctx, id)
	require.NoError(t, err)
	assertRecord(t, got, id, []byte("new"), expiry)
}

func testConcurrentSaves(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	id, err := h.Store.Create(ctx, []byte("seed"), base)
	require.NoError(t, err)

	const writers = 16
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			return h.Store.Save(gctx, id, []byte(fmt.Sprintf("writer-%d", i)), base.Add(time.Duration(i)*time.Second))
		})
	}
	require.NoError(t, g.Wait())

	got, err := h.Store.Load(ctx, id)
	require.NoError(t, err)

	var winner int
	_, err = fmt.Sscanf(string(got.Data), "writer-%d", &winner)
	require.NoError(t, err, "data %q is not from any writer", got.Data)
	want := session.NormalizeExpiry(base.Add(time.Duration(winner) * time.Second))
	assert.True(t, want.Equal(got.Expiry), "data from writer %d spliced with expiry %v", winner, got.Expiry)
}

func testPurgeExpired(t *testing.T, newStore Factory) {
	h := newStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	var live []string
	for i := 0; i < 3; i++ {
		id, err := h.Store.Create(ctx, []byte(fmt.Sprintf("live-%d", i)), now.Add(time.Hour))
		require.NoError(t, err)
		live = append(live, id)
	}
	for i := 0; i < 4; i++ {
		_, err := h.Store.Create(ctx, []byte("dead"), now.Add(-time.Duration(i+1)*time.Second))
		require.NoError(t, err)
	}

	n, err := h.Store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	for i, id := range live {
		got, err := h.Store.Load(ctx, id)
		require.NoError(t, err)
		assertRecord(t, got, id, []byte(fmt.Sprintf("live-%d", i)), now.Add(time.Hour))
	}
	if h.Rows != nil {
		assert.Equal(t, len(live), h.Rows(t))
	}

	n, err = h.Store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testCreateRetriesOnCollision(t *testing.T, newStore Factory) {
	h := newStore(t, SequenceIDs("dup", "dup", "fresh"))
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	first, err := h.Store.Create(ctx, []byte("first"), expiry)
	require.NoError(t, err)
	require.Equal(t, "dup", first)

	second, err := h.Store.Create(ctx, []byte("second"), expiry)
	require.NoError(t, err)
	assert.Equal(t, "fresh", second)

	got, err := h.Store.Load(ctx, "dup")
	require.NoError(t, err)
	assertRecord(t, got, "dup", []byte("first"), expiry)
}

func testCreateCollisionsExhausted(t *testing.T, newStore Factory) {
	h := newStore(t, SequenceIDs("same"))
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	_, err := h.Store.Create(ctx, []byte("first"), expiry)
	require.NoError(t, err)

	_, err = h.Store.Create(ctx, []byte("second"), expiry)
	require.ErrorIs(t, err, session.ErrConstraintViolation)

	got, err := h.Store.Load(ctx, "same")
	require.NoError(t, err)
	assertRecord(t, got, "same", []byte("first"), expiry)
}
