// internal/vault/ledger_test.go
//
// Ledger 的單元測試：建立、存款、提款三個轉移、錯誤分類，
// 以及「失敗不留下任何部分變更」的原子性。全部 in-memory 執行。

package vault

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

type fixture struct {
	ledger   *Ledger
	store    *MemoryStore
	treasury *Treasury
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	store := NewMemoryStore()
	treasury := NewTreasury()
	return fixture{ledger: NewLedger(store, treasury, opts...), store: store, treasury: treasury}
}

// get 安全取出金庫狀態，錯誤時立即讓測試失敗。
func get(t *testing.T, l *Ledger, addr common.Address) *Vault {
	t.Helper()
	v, err := l.Get(context.Background(), addr)
	require.NoError(t, err)
	return v
}

func requireNet(t *testing.T, v *Vault) {
	t.Helper()
	require.Equal(t, v.TotalDeposited-v.TotalWithdrawn, v.Balance, "balance must equal deposited - withdrawn")
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, v.Owner)
	assert.Equal(t, f.ledger.Address(owner), v.Address)
	assert.Zero(t, v.Balance)
	assert.Zero(t, v.TotalDeposited)
	assert.Zero(t, v.TotalWithdrawn)

	looked, err := f.ledger.Lookup(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, v, looked)
}

func TestCreateTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.treasury.Credit(depositor, 50)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 50)
	require.NoError(t, err)

	_, err = f.ledger.Create(ctx, owner)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got := get(t, f.ledger, v.Address)
	assert.Equal(t, owner, got.Owner)
	assert.Equal(t, uint64(50), got.Balance)
	assert.Equal(t, uint64(50), got.TotalDeposited)
}

func TestDistinctOwnersGetDistinctVaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	b, err := f.ledger.Create(ctx, stranger)
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, b.Address)

	all, err := f.ledger.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestScenarioDepositWithdraw 建立 → 任何人存 100 → owner 提 40 → owner 提 100 失敗。
func TestScenarioDepositWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.treasury.Credit(depositor, 1000)
	require.NoError(t, err)

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	v, err = f.ledger.Deposit(ctx, v.Address, depositor, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.Balance)
	assert.Equal(t, uint64(100), v.TotalDeposited)
	requireNet(t, v)

	v, err = f.ledger.Withdraw(ctx, v.Address, owner, recipient, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), v.Balance)
	assert.Equal(t, uint64(40), v.TotalWithdrawn)
	requireNet(t, v)

	bal, _ := f.treasury.Balance(ctx, recipient)
	assert.Equal(t, uint64(40), bal)
	bal, _ = f.treasury.Balance(ctx, depositor)
	assert.Equal(t, uint64(900), bal)

	_, err = f.ledger.Withdraw(ctx, v.Address, owner, recipient, 100)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	after := get(t, f.ledger, v.Address)
	assert.Equal(t, uint64(60), after.Balance)
	assert.Equal(t, uint64(100), after.TotalDeposited)
	assert.Equal(t, uint64(40), after.TotalWithdrawn)
}

func TestWithdrawByNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, v.Address, stranger, stranger, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, get(t, f.ledger, v.Address).Balance)

	_, err = f.treasury.Credit(depositor, 10)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 10)
	require.NoError(t, err)

	// owner 作為收款人也不行，授權只看 caller
	_, err = f.ledger.Withdraw(ctx, v.Address, stranger, owner, 5)
	require.ErrorIs(t, err, ErrUnauthorized)

	got := get(t, f.ledger, v.Address)
	assert.Equal(t, uint64(10), got.Balance)
	assert.Equal(t, uint64(10), got.TotalDeposited)
	assert.Zero(t, got.TotalWithdrawn)
}

// TestWithdrawCheckOrder 非 owner 且超額時，授權錯誤優先。
func TestWithdrawCheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, v.Address, stranger, recipient, 1_000_000)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestOwnerCanDepositIntoOwnVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.treasury.Credit(owner, 30)
	require.NoError(t, err)
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	v, err = f.ledger.Deposit(ctx, v.Address, owner, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), v.Balance)

	v, err = f.ledger.Withdraw(ctx, v.Address, owner, owner, 30)
	require.NoError(t, err)
	assert.Zero(t, v.Balance)
	requireNet(t, v)
}

func TestDepositTransferFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.treasury.Credit(depositor, 5)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 6)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	got := get(t, f.ledger, v.Address)
	assert.Zero(t, got.Balance)
	assert.Zero(t, got.TotalDeposited)
	bal, _ := f.treasury.Balance(ctx, depositor)
	assert.Equal(t, uint64(5), bal)
}

// TestWithdrawToVaultItself 收款人是金庫自己時拒絕，累計欄位不能因此增加。
func TestWithdrawToVaultItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.treasury.Credit(depositor, 10)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 10)
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, v.Address, owner, v.Address, 10)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, ErrVaultCounterparty)
	requireNet(t, get(t, f.ledger, v.Address))
}

// TestDepositFromAnotherVaultRejected 金庫位址不能當存款來源，否則任何人都能搬走別人金庫的錢。
func TestDepositFromAnotherVaultRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.treasury.Credit(depositor, 100)
	require.NoError(t, err)

	victim, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, victim.Address, depositor, 100)
	require.NoError(t, err)
	thief, err := f.ledger.Create(ctx, stranger)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, thief.Address, victim.Address, 100)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, ErrVaultCounterparty)

	got := get(t, f.ledger, victim.Address)
	assert.Equal(t, uint64(100), got.Balance)
	requireNet(t, got)
	got = get(t, f.ledger, thief.Address)
	assert.Zero(t, got.Balance)
	assert.Zero(t, got.TotalDeposited)
}

// TestWithdrawIntoAnotherVaultRejected 提款收款人不能是其他金庫，否則對方餘額會超過累計存款。
func TestWithdrawIntoAnotherVaultRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.treasury.Credit(depositor, 100)
	require.NoError(t, err)

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 100)
	require.NoError(t, err)
	other, err := f.ledger.Create(ctx, stranger)
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, v.Address, owner, other.Address, 50)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, ErrVaultCounterparty)

	requireNet(t, get(t, f.ledger, v.Address))
	got := get(t, f.ledger, other.Address)
	assert.Zero(t, got.Balance)
	requireNet(t, got)

	// 授權檢查仍然優先
	_, err = f.ledger.Withdraw(ctx, v.Address, stranger, other.Address, 50)
	require.ErrorIs(t, err, ErrUnauthorized)
}

// TestCreateOnFundedAddressFails 位址在金庫建立前已有餘額時拒絕建立，不寫入紀錄。
func TestCreateOnFundedAddressFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledger.Address(owner)
	_, err := f.treasury.Credit(addr, 7)
	require.NoError(t, err)

	_, err = f.ledger.Create(ctx, owner)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.ErrorIs(t, err, ErrAddressFunded)

	_, err = f.store.Get(ctx, addr)
	require.ErrorIs(t, err, ErrNotFound)
}

// failingBalanceFunds 查詢餘額一律失敗。
type failingBalanceFunds struct {
	*Treasury
}

var errBalance = errors.New("balance unavailable")

func (failingBalanceFunds) Balance(context.Context, common.Address) (uint64, error) {
	return 0, errBalance
}

// TestCreateBalanceErrorLeavesNoRecord 餘額查詢失敗時不能留下已建立的紀錄。
func TestCreateBalanceErrorLeavesNoRecord(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, failingBalanceFunds{NewTreasury()})
	ctx := context.Background()

	_, err := l.Create(ctx, owner)
	require.ErrorIs(t, err, errBalance)

	_, err = store.Get(ctx, l.Address(owner))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOperationsOnMissingVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledger.Address(owner)
	_, err := f.treasury.Credit(depositor, 10)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, addr, depositor, 10)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.ledger.Withdraw(ctx, addr, owner, recipient, 0)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.ledger.Lookup(ctx, owner)
	require.ErrorIs(t, err, ErrNotFound)

	bal, _ := f.treasury.Balance(ctx, depositor)
	assert.Equal(t, uint64(10), bal)
}

func TestZeroAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	v, err = f.ledger.Deposit(ctx, v.Address, depositor, 0)
	require.NoError(t, err)
	v, err = f.ledger.Withdraw(ctx, v.Address, owner, recipient, 0)
	require.NoError(t, err)
	assert.Zero(t, v.Balance)
	assert.Zero(t, v.TotalDeposited)
	assert.Zero(t, v.TotalWithdrawn)
}

func TestDepositOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledger.Address(owner)
	require.NoError(t, f.store.Insert(ctx, addr, Record{Owner: owner, TotalDeposited: math.MaxUint64 - 10}))
	_, err := f.treasury.Credit(depositor, 100)
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, addr, depositor, 11)
	require.ErrorIs(t, err, ErrOverflow)

	rec, err := f.store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-10), rec.TotalDeposited)
	bal, _ := f.treasury.Balance(ctx, depositor)
	assert.Equal(t, uint64(100), bal)
	bal, _ = f.treasury.Balance(ctx, addr)
	assert.Zero(t, bal)

	// 剛好到上限是允許的
	_, err = f.ledger.Deposit(ctx, addr, depositor, 10)
	require.NoError(t, err)
}

func TestWithdrawOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.ledger.Address(owner)
	require.NoError(t, f.store.Insert(ctx, addr, Record{Owner: owner, TotalWithdrawn: math.MaxUint64 - 5}))
	_, err := f.treasury.Credit(addr, 100)
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, addr, owner, recipient, 10)
	require.ErrorIs(t, err, ErrOverflow)

	rec, err := f.store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-5), rec.TotalWithdrawn)
	bal, _ := f.treasury.Balance(ctx, addr)
	assert.Equal(t, uint64(100), bal)
	bal, _ = f.treasury.Balance(ctx, recipient)
	assert.Zero(t, bal)
}

// failingCommitStore 讓 fn 正常執行，但在寫回時失敗，模擬交易提交失敗。
type failingCommitStore struct {
	*MemoryStore
}

var errCommit = errors.New("commit failed")

func (s failingCommitStore) Update(ctx context.Context, addr common.Address, fn func(*Record) error) error {
	rec, err := s.Get(ctx, addr)
	if err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	return errCommit
}

func TestCommitFailureCompensatesTransfer(t *testing.T) {
	mem := NewMemoryStore()
	treasury := NewTreasury()
	l := NewLedger(failingCommitStore{mem}, treasury)
	ctx := context.Background()

	v, err := l.Create(ctx, owner)
	require.NoError(t, err)
	_, err = treasury.Credit(depositor, 100)
	require.NoError(t, err)

	_, err = l.Deposit(ctx, v.Address, depositor, 70)
	require.ErrorIs(t, err, errCommit)
	bal, _ := treasury.Balance(ctx, depositor)
	assert.Equal(t, uint64(100), bal)
	bal, _ = treasury.Balance(ctx, v.Address)
	assert.Zero(t, bal)

	_, err = treasury.Credit(v.Address, 20)
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, v.Address, owner, recipient, 20)
	require.ErrorIs(t, err, errCommit)
	bal, _ = treasury.Balance(ctx, v.Address)
	assert.Equal(t, uint64(20), bal)
	bal, _ = treasury.Balance(ctx, recipient)
	assert.Zero(t, bal)
}

type recordingAnnouncer struct {
	mu        sync.Mutex
	created   []Vault
	deposits  []uint64
	withdraws []uint64
}

func (r *recordingAnnouncer) VaultCreated(_ context.Context, v Vault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, v)
}

func (r *recordingAnnouncer) Deposited(_ context.Context, _ Vault, _ common.Address, amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits = append(r.deposits, amount)
}

func (r *recordingAnnouncer) Withdrew(_ context.Context, _ Vault, _ common.Address, amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdraws = append(r.withdraws, amount)
}

func TestAnnouncementsOnlyOnSuccess(t *testing.T) {
	rec := &recordingAnnouncer{}
	f := newFixture(t, WithAnnouncer(Announcers{rec}))
	ctx := context.Background()
	_, err := f.treasury.Credit(depositor, 100)
	require.NoError(t, err)

	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.ledger.Create(ctx, owner)
	require.Error(t, err)
	_, err = f.ledger.Deposit(ctx, v.Address, depositor, 100)
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, v.Address, owner, recipient, 25)
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, v.Address, stranger, recipient, 25)
	require.Error(t, err)

	require.Len(t, rec.created, 1)
	assert.Equal(t, owner, rec.created[0].Owner)
	assert.Equal(t, []uint64{100}, rec.deposits)
	assert.Equal(t, []uint64{25}, rec.withdraws)
}

func TestCustomNamespaceAndDeriver(t *testing.T) {
	var gotTag string
	d := DeriverFunc(func(o common.Address, tag []byte) common.Address {
		gotTag = string(tag)
		return KeccakDeriver{}.Derive(o, tag)
	})
	f := newFixture(t, WithDeriver(d), WithNamespace("escrow"))

	v, err := f.ledger.Create(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "escrow", gotTag)
	assert.NotEqual(t, KeccakDeriver{}.Derive(owner, []byte(DefaultNamespace)), v.Address)
}

// TestMixedSequenceKeepsInvariant 在一連串成功與失敗的操作後，每一步都維持淨額不變式。
func TestMixedSequenceKeepsInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.treasury.Credit(depositor, 10_000)
	require.NoError(t, err)
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	steps := []struct {
		deposit bool
		amount  uint64
	}{
		{true, 500}, {false, 200}, {false, 400}, {true, 1}, {false, 301}, {true, 9_000}, {false, 9_000}, {true, 600},
	}
	for _, s := range steps {
		if s.deposit {
			_, _ = f.ledger.Deposit(ctx, v.Address, depositor, s.amount)
		} else {
			_, _ = f.ledger.Withdraw(ctx, v.Address, owner, recipient, s.amount)
		}
		requireNet(t, get(t, f.ledger, v.Address))
	}
}

// TestConcurrentDepositsRaceSafety 多個 goroutine 同時存款仍保持一致。
func TestConcurrentDepositsRaceSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.ledger.Create(ctx, owner)
	require.NoError(t, err)

	const workers = 100
	depositors := make([]common.Address, workers)
	for i := range depositors {
		depositors[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		_, err := f.treasury.Credit(depositors[i], 3)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(d common.Address) {
			defer wg.Done()
			if _, err := f.ledger.Deposit(ctx, v.Address, d, 3); err != nil {
				t.Errorf("deposit err: %v", err)
			}
		}(depositors[i])
	}
	wg.Wait()

	got := get(t, f.ledger, v.Address)
	assert.Equal(t, uint64(workers*3), got.Balance)
	requireNet(t, got)
}
