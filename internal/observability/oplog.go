package observability

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	statusOK    = "ok"
	statusError = "error"

	creditDriftMessage = "credit drift"
)

// ZapOperationLogger writes ledger operations to zap.
// Refund drift is logged at error level under its own message so it can be alerted on.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
	}
	if reason := entry.Reason.String(); reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if sessionID := entry.SessionID.String(); sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if entry.Status != "" {
		fields = append(fields, zap.String("status", entry.Status))
	}
	switch {
	case entry.Operation == ledger.OperationRefundDrift:
		fields = append(fields, zap.String("metadata", entry.Metadata.String()), zap.Error(entry.Error))
		operationLogger.logger.Error(creditDriftMessage, fields...)
	case errors.Is(entry.Error, ledger.ErrInsufficientFunds):
		operationLogger.logger.Info("debit rejected", fields...)
	case entry.Error != nil:
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Info("ledger operation", fields...)
	}
}

// MetricsOperationLogger counts ledger operations.
type MetricsOperationLogger struct {
	metrics *Metrics
}

// NewMetricsOperationLogger counts operations into metrics.
func NewMetricsOperationLogger(metrics *Metrics) *MetricsOperationLogger {
	return &MetricsOperationLogger{metrics: metrics}
}

func (operationLogger *MetricsOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if entry.Operation == ledger.OperationRefundDrift {
		operationLogger.metrics.IncRefundFailure()
		return
	}
	status := entry.Status
	if status == "" {
		status = statusOK
		if entry.Error != nil {
			status = statusError
		}
	}
	operationLogger.metrics.ObserveLedgerOperation(entry.Operation, status)
}

// OperationLoggers fans one operation out to several loggers.
type OperationLoggers []ledger.OperationLogger

func (loggers OperationLoggers) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, operationLogger := range loggers {
		if operationLogger != nil {
			operationLogger.LogOperation(ctx, entry)
		}
	}
}
