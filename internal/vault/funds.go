// internal/vault/funds.go
//
// Funds 代表宿主環境的「價值轉移」能力：在兩個外部餘額之間原子地搬移原生貨幣單位。
// Treasury 為 in-memory 實作，模擬宿主端的帳戶餘額表。

package vault

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrSelfTransfer 代表來源與目標相同。
	ErrSelfTransfer = errors.New("from and to are same")

	// ErrInsufficientBalance 代表來源外部餘額不足。
	ErrInsufficientBalance = errors.New("insufficient external balance")

	// ErrBalanceOverflow 代表目標外部餘額會超出 uint64。
	ErrBalanceOverflow = errors.New("external balance overflow")
)

// Funds moves native currency units between external balances.
type Funds interface {
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
	Balance(ctx context.Context, addr common.Address) (uint64, error)
}

// Treasury 以單一互斥鎖序列化所有餘額變更；Transfer 要嘛完整套用、要嘛完全不變。
type Treasury struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
}

// NewTreasury 建立空白的餘額表。
func NewTreasury() *Treasury {
	return &Treasury{balances: make(map[common.Address]uint64)}
}

// Transfer implements Funds.
func (t *Treasury) Transfer(_ context.Context, from, to common.Address, amount uint64) error {
	if from == to {
		return ErrSelfTransfer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from] < amount {
		return ErrInsufficientBalance
	}
	credited, ok := checkedAdd(t.balances[to], amount)
	if !ok {
		return ErrBalanceOverflow
	}
	t.balances[from] -= amount
	t.balances[to] = credited
	return nil
}

// Balance implements Funds. 未出現過的位址餘額為 0。
func (t *Treasury) Balance(_ context.Context, addr common.Address) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[addr], nil
}

// Credit 直接為外部帳戶入帳（水龍頭 / 測試注資）。
func (t *Treasury) Credit(addr common.Address, amount uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	credited, ok := checkedAdd(t.balances[addr], amount)
	if !ok {
		return t.balances[addr], ErrBalanceOverflow
	}
	t.balances[addr] = credited
	return credited, nil
}

// Balances 回傳所有非零餘額的拷貝。
func (t *Treasury) Balances() map[common.Address]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[common.Address]uint64, len(t.balances))
	for addr, bal := range t.balances {
		if bal > 0 {
			out[addr] = bal
		}
	}
	return out
}

// Restore 以快照內容取代目前餘額表。
func (t *Treasury) Restore(balances map[common.Address]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[common.Address]uint64, len(balances))
	for addr, bal := range balances {
		t.balances[addr] = bal
	}
}
