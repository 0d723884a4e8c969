// internal/vault/events.go

package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Announcer receives an event after every successful state transition.
// Implementations must not fail the operation; they only observe it.
type Announcer interface {
	VaultCreated(ctx context.Context, v Vault)
	Deposited(ctx context.Context, v Vault, depositor common.Address, amount uint64)
	Withdrew(ctx context.Context, v Vault, recipient common.Address, amount uint64)
}

// Announcers 依序轉發給每個 Announcer。
type Announcers []Announcer

// VaultCreated implements Announcer.
func (as Announcers) VaultCreated(ctx context.Context, v Vault) {
	for _, a := range as {
		a.VaultCreated(ctx, v)
	}
}

// Deposited implements Announcer.
func (as Announcers) Deposited(ctx context.Context, v Vault, depositor common.Address, amount uint64) {
	for _, a := range as {
		a.Deposited(ctx, v, depositor, amount)
	}
}

// Withdrew implements Announcer.
func (as Announcers) Withdrew(ctx context.Context, v Vault, recipient common.Address, amount uint64) {
	for _, a := range as {
		a.Withdrew(ctx, v, recipient, amount)
	}
}
