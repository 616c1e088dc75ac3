package sqldb

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	poolOne = common.HexToHash("0x01")
	poolTwo = common.HexToHash("0x02")
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func newTestRegistry(t *testing.T) *Registry {
	registry, err := Open(Config{DSN: filepath.Join(t.TempDir(), "shields.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	require.Equal(t, DialectSqlite, registry.Dialect())
	require.NoError(t, registry.Migrate(context.Background()))
	return registry
}

func position(pool common.Hash, token int64, lower, upper int32) entities.ShieldPosition {
	return entities.ShieldPosition{PoolID: pool, TokenID: big.NewInt(token), TickLower: lower, TickUpper: upper, Owner: owner}
}

func tokenStrings(ids []*big.Int) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, id.String())
	}
	return res
}

func TestRegistry_FindViolating(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	require.NoError(t, registry.Upsert(ctx, position(poolOne, 1, -100, 100)))
	require.NoError(t, registry.Upsert(ctx, position(poolOne, 2, 50, 200)))
	require.NoError(t, registry.Upsert(ctx, position(poolTwo, 3, 500, 600)))

	testData := []struct {
		name     string
		pool     common.Hash
		tick     int32
		expected []string
	}{
		{name: "below second range", pool: poolOne, tick: 10, expected: []string{"2"}},
		{name: "above first range", pool: poolOne, tick: 150, expected: []string{"1"}},
		{name: "inside both", pool: poolOne, tick: 60, expected: []string{}},
		{name: "boundaries are inside", pool: poolOne, tick: 100, expected: []string{}},
		{name: "outside both", pool: poolOne, tick: -500, expected: []string{"1", "2"}},
		{name: "other pool untouched", pool: poolTwo, tick: 10, expected: []string{"3"}},
		{name: "unknown pool", pool: common.HexToHash("0x03"), tick: 10, expected: []string{}},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			got, err := registry.FindViolating(ctx, testRun.pool, testRun.tick, 500)
			require.NoError(t, err)
			assert.Equal(t, testRun.expected, tokenStrings(got))
		})
	}
}

func TestRegistry_FindViolating_respectsLimit(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, registry.Upsert(ctx, position(poolOne, i, 0, 10)))
	}

	got, err := registry.FindViolating(ctx, poolOne, 50, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, tokenStrings(got))
}

func TestRegistry_Upsert_givenDuplicate_thenSingleRow(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	require.NoError(t, registry.Upsert(ctx, position(poolOne, 7, -10, 10)))
	require.NoError(t, registry.Upsert(ctx, position(poolOne, 7, -10, 10)))
	require.NoError(t, registry.Upsert(ctx, position(poolOne, 7, -20, 20)))

	positions, err := registry.List(ctx, poolOne, 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int32(-20), positions[0].TickLower)
	assert.Equal(t, int32(20), positions[0].TickUpper)
	assert.Equal(t, owner, positions[0].Owner)
	assert.Equal(t, "7", positions[0].TokenID.String())
}

func TestRegistry_Upsert_givenLargeTokenID_thenStoredExactly(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	large, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	p := position(poolOne, 1, 0, 1)
	p.TokenID = large
	require.NoError(t, registry.Upsert(ctx, p))

	got, err := registry.FindViolating(ctx, poolOne, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, large.Cmp(got[0]))
}

func TestRegistry_Upsert_givenInvalidPosition_thenError(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Upsert(context.Background(), position(poolOne, 1, 10, -10))
	require.ErrorIs(t, err, entities.ErrInvalidPosition)
}

func TestRegistry_MarkRemediated(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	require.NoError(t, registry.Upsert(ctx, position(poolOne, 1, 0, 10)))
	require.NoError(t, registry.Upsert(ctx, position(poolOne, 2, 0, 10)))
	require.NoError(t, registry.Upsert(ctx, position(poolTwo, 1, 0, 10)))

	require.NoError(t, registry.MarkRemediated(ctx, poolOne, []*big.Int{big.NewInt(1), big.NewInt(2)}))
	require.NoError(t, registry.MarkRemediated(ctx, poolOne, nil))

	got, err := registry.FindViolating(ctx, poolOne, 50, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = registry.FindViolating(ctx, poolTwo, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, tokenStrings(got))

	active, total, err := registry.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
	assert.Equal(t, int64(3), total)

	// registering again re-activates the position
	require.NoError(t, registry.Upsert(ctx, position(poolOne, 2, 0, 10)))
	got, err = registry.FindViolating(ctx, poolOne, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, tokenStrings(got))
}

func TestRegistry_Migrate_givenLegacyTableWithDuplicates_thenDeduplicated(t *testing.T) {
	ctx := context.Background()
	registry, err := Open(Config{DSN: filepath.Join(t.TempDir(), "legacy.db")})
	require.NoError(t, err)
	defer registry.Close()

	_, err = registry.db.ExecContext(ctx, `CREATE TABLE shields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pool_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		tick_low INTEGER NOT NULL,
		tick_upper INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = registry.db.ExecContext(ctx, `INSERT INTO shields (pool_id, token_id, tick_low, tick_upper) VALUES ($1, $2, $3, $4)`,
			poolKey(poolOne), "9", 0, 10)
		require.NoError(t, err)
	}

	require.NoError(t, registry.Migrate(ctx))
	require.NoError(t, registry.Migrate(ctx)) // idempotent

	positions, err := registry.List(ctx, common.Hash{}, 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(1), positions[0].ID)
	assert.Equal(t, common.Address{}, positions[0].Owner)
}
