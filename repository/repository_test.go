package repository_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certmint/db"
	"certmint/models"
	"certmint/repository"
)

func newRepo(t *testing.T) *repository.CertificateRepository {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return repository.NewCertificateRepository(ldb)
}

func TestRecordKey(t *testing.T) {
	confirmed := models.Certificate{TokenID: big.NewInt(7)}
	placeholder := models.Certificate{TokenID: big.NewInt(1700000000000), Placeholder: true}
	submitted := models.Certificate{TxHash: "0xabc"}

	assert.Equal(t, "token-7", repository.RecordKey(&confirmed))
	assert.Equal(t, "placeholder-1700000000000", repository.RecordKey(&placeholder))
	assert.Equal(t, "tx-0xabc", repository.RecordKey(&submitted))
	assert.Equal(t, "", repository.RecordKey(&models.Certificate{}))
}

func TestPutRecord_IndexAndRecordStayInStep(t *testing.T) {
	repo := newRepo(t)

	for i := int64(1); i <= 3; i++ {
		rec := &repository.Record{
			Status:      repository.StatusMinted,
			Certificate: models.Certificate{Network: "sepolia", TokenID: big.NewInt(i), OnChain: true},
		}
		require.NoError(t, repo.PutRecord(rec))
		assert.Equal(t, "token-"+big.NewInt(i).String(), rec.Key)
	}
	other := &repository.Record{
		Status:      repository.StatusSubmitted,
		Certificate: models.Certificate{Network: "mainnet", TxHash: "0x01"},
	}
	require.NoError(t, repo.PutRecord(other))

	recs, err := repo.ListRecords("sepolia")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "token-1", recs[0].Key)
	assert.Equal(t, "token-3", recs[2].Key)

	recs, err = repo.ListRecords("mainnet")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, repository.StatusSubmitted, recs[0].Status)

	got, err := repo.GetRecord("sepolia", "token-2")
	require.NoError(t, err)
	assert.True(t, got.Certificate.OnChain)
}

func TestPutRecord_Immutable(t *testing.T) {
	repo := newRepo(t)
	rec := &repository.Record{Certificate: models.Certificate{Network: "sepolia", TxHash: "0xfeed", ContractName: "first"}}
	require.NoError(t, repo.PutRecord(rec))

	again := &repository.Record{Certificate: models.Certificate{Network: "sepolia", TxHash: "0xfeed", ContractName: "second"}}
	assert.ErrorIs(t, repo.PutRecord(again), repository.ErrRecordExists)

	got, err := repo.GetRecord("sepolia", "tx-0xfeed")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Certificate.ContractName)

	recs, err := repo.ListRecords("sepolia")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPutRecord_RequiresKey(t *testing.T) {
	repo := newRepo(t)
	assert.Error(t, repo.PutRecord(&repository.Record{Certificate: models.Certificate{Network: "sepolia"}}))
}

func TestGetRecord_NotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.GetRecord("sepolia", "token-1")
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestFlags(t *testing.T) {
	repo := newRepo(t)
	now := time.UnixMilli(1_700_000_000_000)

	ok, err := repo.HasFlag("recent-mint", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetFlag("recent-mint", now.Add(10*time.Second)))
	ok, err = repo.HasFlag("recent-mint", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasFlag("recent-mint", now.Add(11*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAndRepairIndex(t *testing.T) {
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	defer ldb.Close()
	repo := repository.NewCertificateRepository(ldb)

	for i := int64(1); i <= 2; i++ {
		require.NoError(t, repo.PutRecord(&repository.Record{
			Status:      repository.StatusMinted,
			Certificate: models.Certificate{Network: "sepolia", TokenID: big.NewInt(i)},
		}))
	}

	report, err := repo.VerifyIndex("sepolia")
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Stored)

	// A record written outside the batch, and an index entry with no record.
	require.NoError(t, ldb.Put([]byte("cert:sepolia:token-9"), []byte(`{"key":"token-9","status":"minted","certificate":{"network":"sepolia","tokenId":9}}`)))
	require.NoError(t, ldb.Put([]byte("index:sepolia"), []byte(`["token-1","token-2","token-5"]`)))

	report, err = repo.VerifyIndex("sepolia")
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, []string{"token-9"}, report.Unindexed)
	assert.Equal(t, []string{"token-5"}, report.Dangling)

	_, err = repo.RepairIndex("sepolia")
	require.NoError(t, err)
	report, err = repo.VerifyIndex("sepolia")
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	recs, err := repo.ListRecords("sepolia")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "token-9", recs[2].Key)
}
