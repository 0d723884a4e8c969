// internal/server/validation.go

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// ErrBadAddress 代表路徑參數不是合法的 20 位元組十六進位位址。
var ErrBadAddress = errors.New("invalid address")

type createRequest struct {
	Owner string `json:"owner" validate:"required,eth_addr"`
}

type depositRequest struct {
	Depositor string  `json:"depositor" validate:"required,eth_addr"`
	Amount    *uint64 `json:"amount" validate:"required"`
}

type withdrawRequest struct {
	Caller    string  `json:"caller" validate:"required,eth_addr"`
	Recipient string  `json:"recipient" validate:"required,eth_addr"`
	Amount    *uint64 `json:"amount" validate:"required"`
}

type faucetRequest struct {
	Address string  `json:"address" validate:"required,eth_addr"`
	Amount  *uint64 `json:"amount" validate:"required"`
}

// bind 解析 JSON 請求內容並做欄位驗證。
func (s *Server) bind(c *fiber.Ctx, out any) error {
	if err := json.Unmarshal(c.Body(), out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// addressParam 取出並驗證路徑上的位址參數。
func addressParam(c *fiber.Ctx, name string) (common.Address, error) {
	raw := c.Params(name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrBadAddress, raw)
	}
	return common.HexToAddress(raw), nil
}
