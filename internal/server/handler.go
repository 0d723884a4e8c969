// internal/server/handler.go
//
// Package server 提供金庫帳本的 HTTP 介面（應用層）。
// 每個 handler 只負責：解析與驗證請求、呼叫 vault.Ledger、輸出回應，
// 並在狀態成功變更後呼叫 persist 掛鉤。
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"vault/internal/vault"
)

// ErrFaucetDisabled 代表設定關閉了水龍頭。
var ErrFaucetDisabled = errors.New("faucet is disabled")

// ErrCreditVault 代表嘗試以水龍頭直接注資金庫位址，這會繞過帳本的累計欄位。
var ErrCreditVault = errors.New("cannot credit a vault address directly")

// Funds 是 server 需要的外部餘額能力：查詢與水龍頭注資。
type Funds interface {
	Balance(ctx context.Context, addr common.Address) (uint64, error)
	Credit(addr common.Address, amount uint64) (uint64, error)
}

// Options 調整 Server 行為。
type Options struct {
	Logger        *zap.Logger
	Decimals      int32
	FaucetEnabled bool
}

// Server 為 HTTP 層核心結構。
type Server struct {
	Ledger    *vault.Ledger
	funds     Funds
	persist   func() error
	persistMu sync.Mutex
	logger    *zap.Logger
	decimals  int32
	faucet    bool
	validate  *validator.Validate
}

// NewServer 建立 HTTP 伺服器；persist 可為 nil。
func NewServer(l *vault.Ledger, funds Funds, persist func() error, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Ledger:   l,
		funds:    funds,
		persist:  persist,
		logger:   logger.Named("http"),
		decimals: opts.Decimals,
		faucet:   opts.FaucetEnabled,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// afterMutation 在成功變更後持久化；失敗只記錄，不影響已成功的回應。
// persist 依序執行，較舊的快照不會在較新的之後才寫入。
func (s *Server) afterMutation() {
	if s.persist == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.persist(); err != nil {
		s.logger.Error("persist snapshot failed", zap.Error(err))
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code, errCode := statusFor(err)
	if code == fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return writeErr(c, code, errCode, err)
}

// createVault 處理 POST /vaults。
func (s *Server) createVault(c *fiber.Ctx) error {
	var req createRequest
	if err := s.bind(c, &req); err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	v, err := s.Ledger.Create(c.UserContext(), common.HexToAddress(req.Owner))
	if err != nil {
		return s.fail(c, err)
	}
	s.afterMutation()
	return writeJSON(c, fiber.StatusCreated, s.vaultResponse(v))
}

// listVaults 處理 GET /vaults。
func (s *Server) listVaults(c *fiber.Ctx) error {
	vs, err := s.Ledger.List(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]VaultResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, s.vaultResponse(v))
	}
	return writeJSON(c, fiber.StatusOK, out)
}

// getVault 處理 GET /vaults/:address。
func (s *Server) getVault(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	v, err := s.Ledger.Get(c.UserContext(), addr)
	if err != nil {
		return s.fail(c, err)
	}
	return writeJSON(c, fiber.StatusOK, s.vaultResponse(v))
}

// lookupVault 處理 GET /owners/:owner/vault，由 owner 推導位址查詢。
func (s *Server) lookupVault(c *fiber.Ctx) error {
	owner, err := addressParam(c, "owner")
	if err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	v, err := s.Ledger.Lookup(c.UserContext(), owner)
	if err != nil {
		return s.fail(c, err)
	}
	return writeJSON(c, fiber.StatusOK, s.vaultResponse(v))
}

// deposit 處理 POST /vaults/:address/deposit。
func (s *Server) deposit(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	var req depositRequest
	if err := s.bind(c, &req); err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	v, err := s.Ledger.Deposit(c.UserContext(), addr, common.HexToAddress(req.Depositor), *req.Amount)
	if err != nil {
		return s.fail(c, err)
	}
	s.afterMutation()
	return writeJSON(c, fiber.StatusOK, s.vaultResponse(v))
}

// withdraw 處理 POST /vaults/:address/withdraw。
func (s *Server) withdraw(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	var req withdrawRequest
	if err := s.bind(c, &req); err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	v, err := s.Ledger.Withdraw(c.UserContext(), addr,
		common.HexToAddress(req.Caller), common.HexToAddress(req.Recipient), *req.Amount)
	if err != nil {
		return s.fail(c, err)
	}
	s.afterMutation()
	return writeJSON(c, fiber.StatusOK, s.vaultResponse(v))
}

// faucetCredit 處理 POST /faucet：為外部帳戶注資。
func (s *Server) faucetCredit(c *fiber.Ctx) error {
	if !s.faucet {
		return writeErr(c, fiber.StatusForbidden, "faucet_disabled", ErrFaucetDisabled)
	}
	var req faucetRequest
	if err := s.bind(c, &req); err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	addr := common.HexToAddress(req.Address)
	_, err := s.Ledger.Get(c.UserContext(), addr)
	switch {
	case err == nil:
		return writeErr(c, fiber.StatusConflict, "vault_address", ErrCreditVault)
	case !errors.Is(err, vault.ErrNotFound):
		return s.fail(c, err)
	}
	bal, err := s.funds.Credit(addr, *req.Amount)
	if err != nil {
		return writeErr(c, fiber.StatusUnprocessableEntity, "overflow", fmt.Errorf("credit %s: %w", addr.Hex(), err))
	}
	s.afterMutation()
	return writeJSON(c, fiber.StatusOK, BalanceResponse{
		Address:        addr.Hex(),
		Balance:        bal,
		BalanceDisplay: formatUnits(bal, s.decimals),
	})
}

// balance 處理 GET /balances/:address。
func (s *Server) balance(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return writeErr(c, fiber.StatusBadRequest, "bad_request", err)
	}
	bal, err := s.funds.Balance(c.UserContext(), addr)
	if err != nil {
		return s.fail(c, err)
	}
	return writeJSON(c, fiber.StatusOK, BalanceResponse{
		Address:        addr.Hex(),
		Balance:        bal,
		BalanceDisplay: formatUnits(bal, s.decimals),
	})
}

// health 提供健康檢查端點：GET /health。
func (s *Server) health(c *fiber.Ctx) error {
	return writeJSON(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}
