// internal/storage/jsonstore.go
//
// 提供 JSON 快照的讀寫，以及快照與 in-memory 帳本之間的轉換。
// 寫入採「原子寫入」：先寫 .tmp 檔，再以 rename() 取代原檔。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vault/internal/vault"
)

// LoadSnapshot 讀取指定路徑的 JSON 快照。
// 檔案不存在時回傳的錯誤滿足 errors.Is(err, fs.ErrNotExist)。
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Meta.Version > SnapshotVersion {
		return snap, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Meta.Version, SnapshotVersion)
	}
	return snap, nil
}

// SaveSnapshot 將 Snapshot 以縮排 JSON 原子寫入 path。
func SaveSnapshot(path string, snap Snapshot) error {
	snap.Meta.Storage = "json_snapshot"
	snap.Meta.Version = SnapshotVersion
	snap.Meta.Timestamp = time.Now()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// Capture 匯出目前狀態。store 為 nil 時只保存外部餘額（金庫紀錄由 Redis / Postgres 持久化）。
func Capture(ctx context.Context, store vault.Store, treasury *vault.Treasury) (Snapshot, error) {
	var snap Snapshot
	if store != nil {
		records, err := store.List(ctx)
		if err != nil {
			return snap, fmt.Errorf("list vaults: %w", err)
		}
		for addr, rec := range records {
			snap.Vaults = append(snap.Vaults, PersistVault{
				Address:        addr,
				Owner:          rec.Owner,
				TotalDeposited: rec.TotalDeposited,
				TotalWithdrawn: rec.TotalWithdrawn,
			})
		}
		sort.Slice(snap.Vaults, func(i, j int) bool {
			return bytes.Compare(snap.Vaults[i].Address[:], snap.Vaults[j].Address[:]) < 0
		})
	}
	for addr, amt := range treasury.Balances() {
		snap.Balances = append(snap.Balances, PersistBalance{Address: addr, Amount: amt})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return bytes.Compare(snap.Balances[i].Address[:], snap.Balances[j].Address[:]) < 0
	})
	return snap, nil
}

// Apply 以快照內容還原 in-memory 儲存與外部餘額；store 為 nil 時略過金庫紀錄。
func Apply(snap Snapshot, store *vault.MemoryStore, treasury *vault.Treasury) {
	if store != nil {
		records := make(map[common.Address]vault.Record, len(snap.Vaults))
		for _, pv := range snap.Vaults {
			records[pv.Address] = vault.Record{
				Owner:          pv.Owner,
				TotalDeposited: pv.TotalDeposited,
				TotalWithdrawn: pv.TotalWithdrawn,
			}
		}
		store.Restore(records)
	}
	balances := make(map[common.Address]uint64, len(snap.Balances))
	for _, pb := range snap.Balances {
		balances[pb.Address] = pb.Amount
	}
	treasury.Restore(balances)
}
