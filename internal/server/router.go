// internal/server/router.go
//
// HTTP 路由註冊。所有端點同時掛在根路徑與 /api/v1 之下。
package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Router 建立並回傳 fiber 應用程式。
func (s *Server) Router() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(requestID(), s.accessLog())

	s.mount(app.Group("/api/v1"))
	s.mount(app)

	return app
}

// mount 在 r 上註冊所有端點。
func (s *Server) mount(r fiber.Router) {
	r.Get("/health", s.health)

	r.Post("/vaults", s.createVault)
	r.Get("/vaults", s.listVaults)
	r.Get("/vaults/:address", s.getVault)
	r.Post("/vaults/:address/deposit", s.deposit)
	r.Post("/vaults/:address/withdraw", s.withdraw)
	r.Get("/owners/:owner/vault", s.lookupVault)

	r.Post("/faucet", s.faucetCredit)
	r.Get("/balances/:address", s.balance)
}

// errorHandler 把 fiber 內部錯誤（404、405 等）也輸出成統一格式。
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		code = ferr.Code
	}
	return writeErr(c, code, "http_error", err)
}
