package indexer

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"tokensale/core/events"
	"tokensale/crypto"
	"tokensale/native/crowdsale"
)

var (
	alice = crypto.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = crypto.MustParseAddress("0x00000000000000000000000000000000000000b2")
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	ix, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func purchase(seq uint64, beneficiary [20]byte, value int64) *crowdsale.Purchase {
	return &crowdsale.Purchase{
		Seq:         seq,
		Receipt:     "00000000-0000-5000-8000-" + big.NewInt(int64(seq)).Text(16),
		Purchaser:   beneficiary,
		Beneficiary: beneficiary,
		Value:       big.NewInt(value),
		Amount:      new(big.Int).Mul(big.NewInt(value), big.NewInt(2000)),
		Rate:        big.NewInt(2000),
		Position:    100 + seq,
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
	require.True(t, isPostgres("postgres://sale@localhost/sale"))
	require.True(t, isPostgres("host=localhost user=sale dbname=sale"))
	require.False(t, isPostgres("/var/lib/tokensale/purchases.db"))
}

func TestSyncIsIdempotent(t *testing.T) {
	ix := newTestIndexer(t)
	ctx := context.Background()
	journal := []*crowdsale.Purchase{
		purchase(1, alice, 10),
		purchase(2, bob, 30),
		purchase(3, alice, 5),
	}

	added, err := ix.Sync(ctx, journal[:2])
	require.NoError(t, err)
	require.Equal(t, 2, added)

	added, err = ix.Sync(ctx, journal)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	latest, err := ix.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), latest)

	rows, err := ix.Purchases(ctx, crypto.FormatAddress(alice))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint64(1), rows[0].Seq)
	require.Equal(t, "20000", rows[0].Tokens)
}

func TestContributorsRanksByValue(t *testing.T) {
	ix := newTestIndexer(t)
	ctx := context.Background()
	_, err := ix.Sync(ctx, []*crowdsale.Purchase{
		purchase(1, alice, 10),
		purchase(2, bob, 30),
		purchase(3, alice, 5),
	})
	require.NoError(t, err)

	top, err := ix.Contributors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, crypto.FormatAddress(bob), top[0].Beneficiary)
	require.Equal(t, int64(30), top[0].ValueWei.Int64())
	require.Equal(t, 2, top[1].Purchases)
	require.Equal(t, int64(30000), top[1].Tokens.Int64())

	top, err = ix.Contributors(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
}

func TestEmitIndexesPurchaseEvents(t *testing.T) {
	ix := newTestIndexer(t)
	var emitter events.Emitter = ix
	emitter.Emit(crowdsale.TokenPurchase{Purchase: purchase(1, alice, 7)})
	emitter.Emit(crowdsale.TokenPurchase{})

	latest, err := ix.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest)
}

func TestWriteParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purchases.parquet")
	require.NoError(t, WriteParquet(path, []*crowdsale.Purchase{
		purchase(1, alice, 10),
		purchase(2, bob, 30),
	}))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	rows := make([]parquetRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(2), rows[1].Seq)
	require.Equal(t, crypto.FormatAddress(bob), rows[1].Beneficiary)
	require.Equal(t, "60000", rows[1].Tokens)
}
