// internal/server/response.go
//
// 統一 HTTP 回應格式：成功回傳 JSON 物件，錯誤回傳 {"code","message"}。
// 領域錯誤到狀態碼的對應也集中在這裡。
package server

import (
	"errors"
	"math/big"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"vault/internal/vault"
)

// ErrorResponse 為所有錯誤回應的格式。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VaultResponse 為金庫的對外表示。
type VaultResponse struct {
	Address        string `json:"address"`
	Owner          string `json:"owner"`
	Balance        uint64 `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	TotalDeposited uint64 `json:"total_deposited"`
	TotalWithdrawn uint64 `json:"total_withdrawn"`
}

// BalanceResponse 為外部帳戶餘額的對外表示。
type BalanceResponse struct {
	Address        string `json:"address"`
	Balance        uint64 `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

// writeJSON 統一輸出成功回應。
func writeJSON(c *fiber.Ctx, code int, v any) error {
	return c.Status(code).JSON(v)
}

// writeErr 統一輸出錯誤回應。
func writeErr(c *fiber.Ctx, code int, errCode string, err error) error {
	return c.Status(code).JSON(ErrorResponse{Code: errCode, Message: err.Error()})
}

// statusFor 將領域錯誤轉成 HTTP 狀態碼與錯誤代碼；未知錯誤視為 500。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return fiber.StatusNotFound, "vault_not_found"
	case errors.Is(err, vault.ErrAlreadyExists):
		return fiber.StatusConflict, "already_exists"
	case errors.Is(err, vault.ErrUnauthorized):
		return fiber.StatusForbidden, "unauthorized"
	case errors.Is(err, vault.ErrInsufficientFunds):
		return fiber.StatusConflict, "insufficient_funds"
	case errors.Is(err, vault.ErrOverflow):
		return fiber.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, vault.ErrTransferFailed):
		return fiber.StatusUnprocessableEntity, "transfer_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// formatUnits 以 decimals 位小數顯示原生單位數量，例如 1500000000 / 9 → "1.5"。
func formatUnits(amount uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).String()
}

func (s *Server) vaultResponse(v *vault.Vault) VaultResponse {
	return VaultResponse{
		Address:        v.Address.Hex(),
		Owner:          v.Owner.Hex(),
		Balance:        v.Balance,
		BalanceDisplay: formatUnits(v.Balance, s.decimals),
		TotalDeposited: v.TotalDeposited,
		TotalWithdrawn: v.TotalWithdrawn,
	}
}
