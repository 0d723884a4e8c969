// Package telemetry 提供 vault.Announcer 的實作：結構化日誌與 OpenTelemetry 指標。
package telemetry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"vault/internal/logging"
	"vault/internal/vault"
)

// LogAnnouncer 每個事件寫一行 info 日誌。
type LogAnnouncer struct {
	logger *zap.Logger
}

// NewLogAnnouncer 建立以 zap 輸出的 Announcer。
func NewLogAnnouncer(logger *zap.Logger) *LogAnnouncer {
	return &LogAnnouncer{logger: logger.Named("vault")}
}

// VaultCreated implements vault.Announcer.
func (a *LogAnnouncer) VaultCreated(ctx context.Context, v vault.Vault) {
	logging.WithTrace(ctx, a.logger).Info("vault initialized",
		zap.String("owner", v.Owner.Hex()),
		zap.String("address", v.Address.Hex()),
	)
}

// Deposited implements vault.Announcer.
func (a *LogAnnouncer) Deposited(ctx context.Context, v vault.Vault, depositor common.Address, amount uint64) {
	logging.WithTrace(ctx, a.logger).Info("deposited to vault",
		zap.String("address", v.Address.Hex()),
		zap.String("depositor", depositor.Hex()),
		zap.Uint64("amount", amount),
	)
}

// Withdrew implements vault.Announcer.
func (a *LogAnnouncer) Withdrew(ctx context.Context, v vault.Vault, recipient common.Address, amount uint64) {
	logging.WithTrace(ctx, a.logger).Info("withdrew from vault",
		zap.String("address", v.Address.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.Uint64("amount", amount),
	)
}

// MetricsAnnouncer 以 OpenTelemetry 計數器記錄建立次數與存提款總量。
type MetricsAnnouncer struct {
	created   metric.Int64Counter
	deposited metric.Int64Counter
	withdrawn metric.Int64Counter
}

// NewMetricsAnnouncer 在給定的 meter 上註冊三個計數器。
func NewMetricsAnnouncer(meter metric.Meter) (*MetricsAnnouncer, error) {
	created, err := meter.Int64Counter("vault.created",
		metric.WithDescription("Number of vaults initialized"))
	if err != nil {
		return nil, fmt.Errorf("register vault.created: %w", err)
	}
	deposited, err := meter.Int64Counter("vault.deposited",
		metric.WithDescription("Native units deposited into vaults"), metric.WithUnit("{unit}"))
	if err != nil {
		return nil, fmt.Errorf("register vault.deposited: %w", err)
	}
	withdrawn, err := meter.Int64Counter("vault.withdrawn",
		metric.WithDescription("Native units withdrawn from vaults"), metric.WithUnit("{unit}"))
	if err != nil {
		return nil, fmt.Errorf("register vault.withdrawn: %w", err)
	}
	return &MetricsAnnouncer{created: created, deposited: deposited, withdrawn: withdrawn}, nil
}

// VaultCreated implements vault.Announcer.
func (a *MetricsAnnouncer) VaultCreated(ctx context.Context, _ vault.Vault) {
	a.created.Add(ctx, 1)
}

// Deposited implements vault.Announcer.
func (a *MetricsAnnouncer) Deposited(ctx context.Context, _ vault.Vault, _ common.Address, amount uint64) {
	a.deposited.Add(ctx, clampInt64(amount))
}

// Withdrew implements vault.Announcer.
func (a *MetricsAnnouncer) Withdrew(ctx context.Context, _ vault.Vault, _ common.Address, amount uint64) {
	a.withdrawn.Add(ctx, clampInt64(amount))
}

// clampInt64 計數器只接受 int64，超出部分截在最大值。
func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
