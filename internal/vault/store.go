// internal/vault/store.go
//
// Store 是金庫紀錄的鍵值儲存：以推導位址為鍵，插入只允許一次。
// MemoryStore 為預設的 in-memory 實作，亦是 JSON 快照的來源。

package vault

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists vault records keyed by their derived address.
type Store interface {
	// Insert stores rec at addr, failing with ErrAlreadyExists if a record
	// is already present.
	Insert(ctx context.Context, addr common.Address, rec Record) error

	// Get returns the record at addr or ErrNotFound.
	Get(ctx context.Context, addr common.Address) (Record, error)

	// Update runs fn against the record at addr inside one transactional
	// boundary. The mutated record is written back only when fn returns nil.
	Update(ctx context.Context, addr common.Address, fn func(*Record) error) error

	// List returns every record keyed by address.
	List(ctx context.Context) (map[common.Address]Record, error)
}

// MemoryStore 以單一互斥鎖保護 map；Update 期間全程持鎖，
// 因此 fn 內的外部轉帳與紀錄更新對其他呼叫者而言是單一步驟。
type MemoryStore struct {
	mu      sync.Mutex
	records map[common.Address]Record
}

// NewMemoryStore 建立空白的 in-memory 儲存。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Address]Record)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, addr common.Address, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[addr]; ok {
		return ErrAlreadyExists
	}
	s.records[addr] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, addr common.Address) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[addr]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Update implements Store. fn 收到的是拷貝，失敗時原紀錄不受影響。
func (s *MemoryStore) Update(_ context.Context, addr common.Address, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[addr]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return err
	}
	s.records[addr] = rec
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) (map[common.Address]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]Record, len(s.records))
	for addr, rec := range s.records {
		out[addr] = rec
	}
	return out, nil
}

// Restore 以給定的紀錄整批取代目前內容（供快照還原使用）。
func (s *MemoryStore) Restore(records map[common.Address]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[common.Address]Record, len(records))
	for addr, rec := range records {
		s.records[addr] = rec
	}
}

// sortedAddresses 依位元組順序排序，讓 List 等輸出穩定。
func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
