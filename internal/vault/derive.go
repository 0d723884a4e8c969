// internal/vault/derive.go

package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultNamespace 為推導金庫位址時預設使用的命名空間標籤。
const DefaultNamespace = "vault"

// Deriver maps an owner identity plus a namespace tag to the vault's address.
// Implementations must be pure and deterministic.
type Deriver interface {
	Derive(owner common.Address, tag []byte) common.Address
}

// KeccakDeriver 以 keccak256(tag ‖ owner) 的後 20 位元組作為位址。
type KeccakDeriver struct{}

// Derive implements Deriver.
func (KeccakDeriver) Derive(owner common.Address, tag []byte) common.Address {
	return common.BytesToAddress(crypto.Keccak256(tag, owner.Bytes()))
}

// DeriverFunc 讓一般函式滿足 Deriver，方便測試注入。
type DeriverFunc func(owner common.Address, tag []byte) common.Address

// Derive implements Deriver.
func (f DeriverFunc) Derive(owner common.Address, tag []byte) common.Address {
	return f(owner, tag)
}
