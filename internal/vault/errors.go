// internal/vault/errors.go
//
// 本檔集中定義金庫帳本的「領域錯誤（domain errors）」。
// 上層 HTTP handler 以 errors.Is 比對後轉換成對應的狀態碼。

package vault

import "errors"

var (
	// ErrAlreadyExists 代表該 owner 推導出的位址上已有金庫。
	// 對應 HTTP 狀態碼 409 Conflict。
	ErrAlreadyExists = errors.New("vault already exists")

	// ErrNotFound 代表位址上沒有金庫（Uninitialized）。
	// 對應 HTTP 狀態碼 404 Not Found。
	ErrNotFound = errors.New("vault not found")

	// ErrUnauthorized 代表非 owner 嘗試提款。
	// 對應 HTTP 狀態碼 403 Forbidden。
	ErrUnauthorized = errors.New("unauthorized: only vault owner can withdraw")

	// ErrInsufficientFunds 代表金庫實際餘額不足以支付提款。
	// 對應 HTTP 狀態碼 409 Conflict。
	ErrInsufficientFunds = errors.New("insufficient funds in vault")

	// ErrOverflow 代表累計欄位超出 uint64 可表示範圍。
	// 對應 HTTP 狀態碼 422 Unprocessable Entity。
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrTransferFailed 代表外部轉帳能力回報失敗；原因會一併包裝。
	// 對應 HTTP 狀態碼 422 Unprocessable Entity。
	ErrTransferFailed = errors.New("transfer failed")

	// ErrVaultCounterparty 代表存款來源或提款收款人本身就是金庫位址。
	// 金庫之間直接搬錢會繞過對方的累計欄位，一律包在 ErrTransferFailed 之下回報。
	ErrVaultCounterparty = errors.New("counterparty is a vault address")

	// ErrAddressFunded 代表推導出的位址在建立金庫前已有餘額。
	// 包在 ErrAlreadyExists 之下回報（位址已被使用），對應 409。
	ErrAddressFunded = errors.New("vault address already holds funds")
)
