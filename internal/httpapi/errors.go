package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/llm"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/retry"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/tailor"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps domain errors onto status codes. Unmapped errors are logged and reported as 500.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	var workErr *ledger.WorkFailedError
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		body := errorResponse("insufficient_funds", "not enough credits, top up to continue")
		body["upsell"] = true
		ctx.JSON(http.StatusPaymentRequired, body)
	case errors.As(err, &workErr):
		handler.respondWorkFailed(ctx, operation, workErr)
	case errors.Is(err, ledger.ErrInvalidReason):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", err.Error()))
	case errors.Is(err, ledger.ErrInvalidSessionID), errors.Is(err, tailor.ErrInvalidInput):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	case errors.Is(err, billing.ErrUnknownPackage):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_package", err.Error()))
	case errors.Is(err, billing.ErrSessionAccountMismatch):
		ctx.JSON(http.StatusForbidden, errorResponse("session_account_mismatch", "payment session belongs to another account"))
	case errors.Is(err, billing.ErrSessionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("session_not_found", "payment session not found"))
	case errors.Is(err, billing.ErrProviderTransient), errors.Is(err, billing.ErrProviderUnverifiable):
		handler.logger.Warn(operation, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_unavailable", "payment provider unavailable, try again"))
	case errors.Is(err, context.DeadlineExceeded):
		handler.logger.Warn(operation, zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("try_again", "request timed out, try again"))
	default:
		handler.logger.Error(operation, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "internal error"))
	}
}

// respondWorkFailed reports a paid action whose work failed after the debit.
// Transient failures ask the user to retry; quota and rejected calls need support.
func (handler *httpHandler) respondWorkFailed(ctx *gin.Context, operation string, workErr *ledger.WorkFailedError) {
	fields := []zap.Field{
		zap.String("reason", workErr.Reason.String()),
		zap.Bool("refunded", workErr.Refunded()),
		zap.Error(workErr.Err),
	}
	var body gin.H
	status := http.StatusBadGateway
	if isTransientWorkError(workErr.Err) {
		status = http.StatusServiceUnavailable
		body = errorResponse("try_again", "the AI service is busy, your credit was returned, try again")
		handler.logger.Warn(operation, fields...)
	} else {
		body = errorResponse("contact_support", "the AI service could not complete this request, contact support if it persists")
		handler.logger.Error(operation, fields...)
	}
	body["refunded"] = workErr.Refunded()
	body["balance"] = workErr.Balance.Int64()
	ctx.JSON(status, body)
}

func isTransientWorkError(err error) bool {
	if errors.Is(err, llm.ErrQuotaExceeded) || errors.Is(err, llm.ErrRejected) || errors.Is(err, llm.ErrEmptyResponse) {
		return false
	}
	return errors.Is(err, llm.ErrTransient) ||
		errors.Is(err, retry.ErrAttemptsExhausted) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
