//go:build integration

package cache

import (
	"context"
	"testing"

	"github.com/fabrica/esb/libs/db/dbtest"
	"github.com/fabrica/esb/libs/esb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryMaterializes(t *testing.T) {
	pool, _ := dbtest.Open(t)
	repo := NewRepository(pool)
	m := NewMaterializer(repo)
	ctx := context.Background()
	ttl := 60
	cfg := productConfig(&ttl)

	_, err := m.Apply(ctx, cfg, envelope(esb.ActionCreated, "sku-1", `{"price":10}`), esb.ActionCreated)
	require.NoError(t, err)
	_, err = m.Apply(ctx, cfg, envelope(esb.ActionUpdated, "sku-1", `{"price":12}`), esb.ActionUpdated)
	require.NoError(t, err)

	e, err := repo.Get(ctx, productKey)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(2), e.Version)
	assert.JSONEq(t, `{"price":12}`, string(e.CacheData))
	assert.NotNil(t, e.ExpiresAt)
	assert.NotNil(t, e.SourceEventTime)

	out, err := m.Apply(ctx, cfg, envelope(esb.ActionDeleted, "sku-1", `null`), esb.ActionDeleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, out)

	e, err = repo.Get(ctx, productKey)
	require.NoError(t, err)
	assert.Nil(t, e)
}
