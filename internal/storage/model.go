// internal/storage/model.go
//
// 定義「資料持久化層 (storage layer)」的快照結構。
// 快照保存金庫紀錄與宿主端外部餘額，Meta 保留版本與時間戳以便日後升級格式。
package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotVersion 為目前快照格式版本。
const SnapshotVersion = 2

// Meta 為快照的中繼資料。
type Meta struct {
	Storage   string    `json:"storage"`        // 儲存類型，例如 "json_snapshot"
	Version   int       `json:"version"`        // 結構版本號
	Timestamp time.Time `json:"timestamp"`      // 快照建立時間
	Note      string    `json:"note,omitempty"` // 備註欄
}

// PersistVault 為金庫紀錄在快照中的格式。
type PersistVault struct {
	Address        common.Address `json:"address"`
	Owner          common.Address `json:"owner"`
	TotalDeposited uint64         `json:"total_deposited"`
	TotalWithdrawn uint64         `json:"total_withdrawn"`
}

// PersistBalance 為單一外部帳戶的餘額。
type PersistBalance struct {
	Address common.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

// Snapshot 為帳本與外部餘額的完整快照。
type Snapshot struct {
	Meta     Meta             `json:"_meta"`
	Vaults   []PersistVault   `json:"vaults"`
	Balances []PersistBalance `json:"balances"`
}
