package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-copilot/internal/testutil"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

func TestStore_CreateAndRestore(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := testutil.NewFakeDriver()

	d.SetURL("https://example.com/cart")
	require.NoError(t, d.SetCookies(ctx, []models.Cookie{{Name: "sid", Value: "abc", Domain: "example.com"}}))
	d.SetStorage(models.StorageSnapshot{Local: `{"cart":"3"}`, Session: `{}`})

	cp, err := store.Create(ctx, "s1", "attempt_0", d)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cart", cp.URL)
	assert.Len(t, cp.Cookies, 1)

	// drift away from the snapshot
	require.NoError(t, d.Navigate(ctx, "https://example.com/error"))
	require.NoError(t, d.SetCookies(ctx, nil))
	d.SetStorage(models.StorageSnapshot{})

	require.NoError(t, store.Restore(ctx, "s1", "attempt_0", d))

	url, err := d.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cart", url)

	cookies, err := d.Cookies(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", cookies[0].Value)

	storage, err := d.ReadStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"cart":"3"}`, storage.Local)
}

func TestStore_SameNameOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := testutil.NewFakeDriver()

	d.SetURL("https://a.example")
	_, err := store.Create(ctx, "s1", "cp", d)
	require.NoError(t, err)

	d.SetURL("https://b.example")
	_, err = store.Create(ctx, "s1", "cp", d)
	require.NoError(t, err)

	assert.Equal(t, []string{"cp"}, store.Names("s1"))
	cp, err := store.Get("s1", "cp")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", cp.URL)
}

func TestStore_ScopedPerSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := testutil.NewFakeDriver()

	_, err := store.Create(ctx, "s1", "attempt_0", d)
	require.NoError(t, err)

	assert.Empty(t, store.Names("s2"))
	_, err = store.Get("s2", "attempt_0")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	store.Drop("s1")
	assert.Empty(t, store.Names("s1"))
}

func TestStore_CreateFailsWithoutLivePage(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := testutil.NewFakeDriver()
	d.FailSnapshots(errors.New("no page"))

	_, err := store.Create(ctx, "s1", "attempt_0", d)
	require.Error(t, err)
	assert.Empty(t, store.Names("s1"))
}

func TestStore_RestoreMissing(t *testing.T) {
	err := NewStore().Restore(context.Background(), "s1", "nope", testutil.NewFakeDriver())
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
