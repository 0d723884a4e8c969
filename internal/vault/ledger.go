// internal/vault/ledger.go

// Ledger 為金庫的聚合根：建立、存款、提款三個狀態轉移都在這裡檢核與套用。
// 每個操作都包在 Store.Update 的交易邊界內；外部轉帳成功但紀錄寫回失敗時，
// 會反向轉帳補償，因此失敗的操作不會留下任何可觀察的部分變更。
package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "vault/internal/vault"

// Ledger owns vault records and enforces every invariant on every transition.
type Ledger struct {
	store   Store
	funds   Funds
	deriver Deriver
	tag     []byte
	events  Announcer
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option 調整 Ledger 的注入依賴。
type Option func(*Ledger)

// WithDeriver 替換位址推導函式。
func WithDeriver(d Deriver) Option {
	return func(l *Ledger) { l.deriver = d }
}

// WithNamespace 替換推導位址時使用的命名空間標籤。
func WithNamespace(ns string) Option {
	return func(l *Ledger) { l.tag = []byte(ns) }
}

// WithAnnouncer 設定狀態轉移成功後的觀測掛鉤。
func WithAnnouncer(a Announcer) Option {
	return func(l *Ledger) { l.events = a }
}

// WithLogger 設定補償失敗等異常情況的記錄器。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger 建立帳本；未指定的依賴使用 KeccakDeriver、DefaultNamespace 與 no-op 掛鉤。
func NewLedger(store Store, funds Funds, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		funds:   funds,
		deriver: KeccakDeriver{},
		tag:     []byte(DefaultNamespace),
		events:  Announcers(nil),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Address 回傳 owner 對應的金庫位址。
func (l *Ledger) Address(owner common.Address) common.Address {
	return l.deriver.Derive(owner, l.tag)
}

// Create 為 owner 建立金庫；同一 owner 第二次建立回傳 ErrAlreadyExists 且不改動既有紀錄。
func (l *Ledger) Create(ctx context.Context, owner common.Address) (*Vault, error) {
	ctx, span := l.tracer.Start(ctx, "vault.create",
		trace.WithAttributes(attribute.String("vault.owner", owner.Hex())))
	defer span.End()

	addr := l.Address(owner)
	rec := Record{Owner: owner}
	// 新金庫的餘額必須從 0 開始，否則淨額不變式一建立就不成立
	bal, err := l.funds.Balance(ctx, addr)
	if err != nil {
		return nil, spanError(span, err)
	}
	if bal != 0 {
		return nil, spanError(span, fmt.Errorf("%w: %w: %s holds %d", ErrAlreadyExists, ErrAddressFunded, addr.Hex(), bal))
	}
	if err := l.store.Insert(ctx, addr, rec); err != nil {
		return nil, spanError(span, err)
	}
	v := view(addr, rec, bal)
	l.events.VaultCreated(ctx, v)
	return &v, nil
}

// Deposit 由任何 depositor 轉入 amount；不檢查 depositor 是否為 owner，但 depositor 不能是金庫位址。
func (l *Ledger) Deposit(ctx context.Context, addr, depositor common.Address, amount uint64) (*Vault, error) {
	ctx, span := l.tracer.Start(ctx, "vault.deposit", trace.WithAttributes(
		attribute.String("vault.address", addr.Hex()),
		attribute.String("vault.depositor", depositor.Hex()),
		attribute.String("vault.amount", strconv.FormatUint(amount, 10)),
	))
	defer span.End()

	fromVault, err := l.isVault(ctx, depositor)
	if err != nil {
		return nil, spanError(span, err)
	}

	var (
		v     Vault
		moved bool
	)
	err = l.store.Update(ctx, addr, func(rec *Record) error {
		total, ok := checkedAdd(rec.TotalDeposited, amount)
		if !ok {
			return ErrOverflow
		}
		if fromVault {
			return counterpartyError(depositor)
		}
		if err := l.funds.Transfer(ctx, depositor, addr, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		moved = true
		rec.TotalDeposited = total
		bal, err := l.funds.Balance(ctx, addr)
		if err != nil {
			return err
		}
		v = view(addr, *rec, bal)
		return nil
	})
	if err != nil {
		if moved {
			err = l.compensate(ctx, addr, depositor, amount, err)
		}
		return nil, spanError(span, err)
	}
	l.events.Deposited(ctx, v, depositor, amount)
	return &v, nil
}

// Withdraw 依序檢查：caller 必須是 owner、實際餘額足夠、累計提款不溢位，
// 之後才把 amount 從金庫轉給 recipient；recipient 不能是任何金庫位址。
func (l *Ledger) Withdraw(ctx context.Context, addr, caller, recipient common.Address, amount uint64) (*Vault, error) {
	ctx, span := l.tracer.Start(ctx, "vault.withdraw", trace.WithAttributes(
		attribute.String("vault.address", addr.Hex()),
		attribute.String("vault.caller", caller.Hex()),
		attribute.String("vault.recipient", recipient.Hex()),
		attribute.String("vault.amount", strconv.FormatUint(amount, 10)),
	))
	defer span.End()

	toVault, err := l.isVault(ctx, recipient)
	if err != nil {
		return nil, spanError(span, err)
	}

	var (
		v     Vault
		moved bool
	)
	err = l.store.Update(ctx, addr, func(rec *Record) error {
		if rec.Owner != caller {
			return ErrUnauthorized
		}
		bal, err := l.funds.Balance(ctx, addr)
		if err != nil {
			return err
		}
		if bal < amount {
			return ErrInsufficientFunds
		}
		total, ok := checkedAdd(rec.TotalWithdrawn, amount)
		if !ok {
			return ErrOverflow
		}
		if toVault {
			return counterpartyError(recipient)
		}
		if err := l.funds.Transfer(ctx, addr, recipient, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		moved = true
		rec.TotalWithdrawn = total
		v = view(addr, *rec, bal-amount)
		return nil
	})
	if err != nil {
		if moved {
			err = l.compensate(ctx, recipient, addr, amount, err)
		}
		return nil, spanError(span, err)
	}
	l.events.Withdrew(ctx, v, recipient, amount)
	return &v, nil
}

// Get 依位址取得金庫目前狀態。
func (l *Ledger) Get(ctx context.Context, addr common.Address) (*Vault, error) {
	rec, err := l.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	bal, err := l.funds.Balance(ctx, addr)
	if err != nil {
		return nil, err
	}
	v := view(addr, rec, bal)
	return &v, nil
}

// Lookup 由 owner 推導位址後查詢，不需要額外索引。
func (l *Ledger) Lookup(ctx context.Context, owner common.Address) (*Vault, error) {
	return l.Get(ctx, l.Address(owner))
}

// List 回傳所有金庫，依位址排序。
func (l *Ledger) List(ctx context.Context) ([]*Vault, error) {
	records, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Vault, 0, len(records))
	for _, addr := range sortedAddresses(records) {
		bal, err := l.funds.Balance(ctx, addr)
		if err != nil {
			return nil, err
		}
		v := view(addr, records[addr], bal)
		out = append(out, &v)
	}
	return out, nil
}

// isVault 回報 addr 上是否已有金庫紀錄。
// 查詢放在 Store.Update 之外，MemoryStore 的鎖不可重入。
func (l *Ledger) isVault(ctx context.Context, addr common.Address) (bool, error) {
	_, err := l.store.Get(ctx, addr)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func counterpartyError(addr common.Address) error {
	return fmt.Errorf("%w: %w: %s", ErrTransferFailed, ErrVaultCounterparty, addr.Hex())
}

// compensate 把已完成的轉帳反向搬回；cause 為原本讓操作失敗的錯誤。
func (l *Ledger) compensate(ctx context.Context, from, to common.Address, amount uint64, cause error) error {
	if err := l.funds.Transfer(ctx, from, to, amount); err != nil {
		l.logger.Error("compensating transfer failed",
			zap.String("from", from.Hex()),
			zap.String("to", to.Hex()),
			zap.Uint64("amount", amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return errors.Join(cause, fmt.Errorf("compensate: %w", err))
	}
	return cause
}

func view(addr common.Address, rec Record, balance uint64) Vault {
	return Vault{
		Address:        addr,
		Owner:          rec.Owner,
		Balance:        balance,
		TotalDeposited: rec.TotalDeposited,
		TotalWithdrawn: rec.TotalWithdrawn,
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
