package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zkpool/coordinator/internal/coordinator"
)

func setupTestStore(t *testing.T) (*RedisShareStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	store, err := NewRedisShareStore(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create share store: %v", err)
	}

	return store, mr
}

func TestNewRedisShareStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	store, err := NewRedisShareStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisShareStore() error = %v", err)
	}
	defer store.Close()
}

func TestNewRedisShareStoreInvalidAddr(t *testing.T) {
	_, err := NewRedisShareStore("invalid:9999", "", 0)
	if err == nil {
		t.Error("NewRedisShareStore should return error for an unreachable address")
	}
}

func TestAddShares(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	if err := store.AddShares(100, "addr1worker", 5); err != nil {
		t.Fatalf("AddShares() error = %v", err)
	}
	if err := store.AddShares(100, "addr1worker", 3); err != nil {
		t.Fatalf("AddShares() error = %v", err)
	}

	shares, err := store.ToShares()
	if err != nil {
		t.Fatalf("ToShares() error = %v", err)
	}

	if shares[100]["addr1worker"] != 8 {
		t.Errorf("expected accumulated share count 8, got %d", shares[100]["addr1worker"])
	}
}

func TestToSharesMultipleHeights(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	store.AddShares(100, "addr1alice", 1)
	store.AddShares(101, "addr1bob", 2)

	shares, err := store.ToShares()
	if err != nil {
		t.Fatalf("ToShares() error = %v", err)
	}

	if len(shares) != 2 {
		t.Fatalf("expected 2 heights, got %d", len(shares))
	}
	if shares[100]["addr1alice"] != 1 {
		t.Errorf("height 100: expected 1, got %d", shares[100]["addr1alice"])
	}
	if shares[101]["addr1bob"] != 2 {
		t.Errorf("height 101: expected 2, got %d", shares[101]["addr1bob"])
	}
}

func TestRemoveShares(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	store.AddShares(200, "addr1worker", 10)

	if err := store.RemoveShares(200); err != nil {
		t.Fatalf("RemoveShares() error = %v", err)
	}

	shares, err := store.ToShares()
	if err != nil {
		t.Fatalf("ToShares() error = %v", err)
	}
	if _, ok := shares[200]; ok {
		t.Error("expected height 200 to be cleared")
	}
}

func TestAddCoinbaseRecord(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	record := coordinator.CoinbaseRecord{Owner: "addr1pool", Amount: 5000}
	if err := store.AddCoinbaseRecord(300, record); err != nil {
		t.Fatalf("AddCoinbaseRecord() error = %v", err)
	}

	archive, err := store.CoinbaseArchive(300)
	if err != nil {
		t.Fatalf("CoinbaseArchive() error = %v", err)
	}
	if len(archive) != 1 {
		t.Fatalf("expected 1 archived record, got %d", len(archive))
	}
	if archive[0].Owner != "addr1pool" || archive[0].Amount != 5000 {
		t.Errorf("archived record mismatch: %+v", archive[0])
	}

	stats, err := store.PoolStats(time.Hour)
	if err != nil {
		t.Fatalf("PoolStats() error = %v", err)
	}
	if stats.BlocksFound != 1 {
		t.Errorf("expected blocksFound = 1, got %d", stats.BlocksFound)
	}
	if stats.LastBlockHeight != 300 {
		t.Errorf("expected lastBlockHeight = 300, got %d", stats.LastBlockHeight)
	}
}

func TestRecordWorkerActivityAndHashrate(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	if err := store.RecordWorkerActivity("addr1worker", 1000); err != nil {
		t.Fatalf("RecordWorkerActivity() error = %v", err)
	}

	rate, err := store.Hashrate(time.Hour)
	if err != nil {
		t.Fatalf("Hashrate() error = %v", err)
	}
	if rate <= 0 {
		t.Error("expected positive hashrate after recording activity")
	}

	workerRate, err := store.WorkerHashrate("addr1worker", time.Hour)
	if err != nil {
		t.Fatalf("WorkerHashrate() error = %v", err)
	}
	if workerRate <= 0 {
		t.Error("expected positive worker hashrate after recording activity")
	}
}

func TestPoolStatsCountsActiveWorkers(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	store.RecordWorkerActivity("addr1alice", 500)
	store.RecordWorkerActivity("addr1bob", 500)

	stats, err := store.PoolStats(time.Hour)
	if err != nil {
		t.Fatalf("PoolStats() error = %v", err)
	}
	if stats.Workers != 2 {
		t.Errorf("expected 2 active workers, got %d", stats.Workers)
	}
}

func TestPurgeStaleHashrate(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	store.RecordWorkerActivity("addr1worker", 500)

	if err := store.PurgeStaleHashrate(time.Nanosecond); err != nil {
		t.Fatalf("PurgeStaleHashrate() error = %v", err)
	}

	rate, err := store.Hashrate(time.Hour)
	if err != nil {
		t.Fatalf("Hashrate() error = %v", err)
	}
	if rate != 0 {
		t.Errorf("expected hashrate 0 after purge, got %f", rate)
	}
}
