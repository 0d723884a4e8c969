// Package vault 定義託管金庫的核心領域模型與帳務規則。
// 本檔定義持久化紀錄 Record、對外檢視 Vault，以及固定長度的二進位格式，
// 不含任何 HTTP 或儲存後端細節。

package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecordSize 為單一金庫紀錄的固定長度：discriminator + owner + 兩個 uint64。
const RecordSize = 8 + common.AddressLength + 8 + 8

// discriminator 標示這段位元組確實是一筆 Vault 紀錄。
var discriminator = crypto.Keccak256([]byte("account:Vault"))[:8]

// ErrBadRecord 代表讀到的位元組不是合法的金庫紀錄。
var ErrBadRecord = errors.New("malformed vault record")

// Record is the persisted state of one vault.
type Record struct {
	Owner          common.Address `json:"owner"`
	TotalDeposited uint64         `json:"total_deposited"`
	TotalWithdrawn uint64         `json:"total_withdrawn"`
}

// Vault is a read-only view of a vault, combining its record with the
// spendable balance held at its address.
type Vault struct {
	Address        common.Address `json:"address"`
	Owner          common.Address `json:"owner"`
	Balance        uint64         `json:"balance"`
	TotalDeposited uint64         `json:"total_deposited"`
	TotalWithdrawn uint64         `json:"total_withdrawn"`
}

// MarshalBinary 輸出 little-endian 的固定長度格式。
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	copy(buf, discriminator)
	off := len(discriminator)
	copy(buf[off:], r.Owner.Bytes())
	off += common.AddressLength
	binary.LittleEndian.PutUint64(buf[off:], r.TotalDeposited)
	binary.LittleEndian.PutUint64(buf[off+8:], r.TotalWithdrawn)
	return buf, nil
}

// UnmarshalBinary 解析 MarshalBinary 的輸出；長度或 discriminator 不符皆回傳 ErrBadRecord。
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w: size %d want %d", ErrBadRecord, len(data), RecordSize)
	}
	for i, b := range discriminator {
		if data[i] != b {
			return fmt.Errorf("%w: discriminator mismatch", ErrBadRecord)
		}
	}
	off := len(discriminator)
	r.Owner = common.BytesToAddress(data[off : off+common.AddressLength])
	off += common.AddressLength
	r.TotalDeposited = binary.LittleEndian.Uint64(data[off:])
	r.TotalWithdrawn = binary.LittleEndian.Uint64(data[off+8:])
	return nil
}

// checkedAdd 回傳 a+b；溢位時 ok 為 false。
func checkedAdd(a, b uint64) (sum uint64, ok bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}
