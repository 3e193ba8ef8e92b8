package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/billing"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/tailor"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSpendReason     = "spend"
	stripeSignatureHeader  = "Stripe-Signature"
	maxWebhookPayloadBytes = 1 << 16
	verifySessionRoute     = "verify_session"
)

type httpHandler struct {
	cfg     Config
	logger  *zap.Logger
	ledger  AccountLedger
	billing Billing
	tailor  Tailor
	limiter ratelimit.Limiter
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{Balance: balance.Int64()})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rawReason := strings.TrimSpace(request.Reason)
	if rawReason == "" {
		rawReason = defaultSpendReason
	}
	reason, err := ledger.NewReason(rawReason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", err.Error()))
		return
	}
	action, err := ledger.NewPaidAction(reason, handler.cfg.SpendCost)
	if err != nil {
		handler.respondError(ctx, "spend failed", err)
		return
	}
	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["reason"] = reason.String()

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	receipt, err := handler.ledger.Debit(requestCtx, accountID, action, ledger.MetadataFrom(metadata))
	if err != nil {
		handler.respondError(ctx, "spend failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{Balance: receipt.Balance.Int64()})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	limit, limitErr := parseOptionalInt(ctx.Query("limit"))
	before, beforeErr := parseOptionalInt(ctx.Query("before"))
	if limitErr != nil || beforeErr != nil || limit < 0 || before < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit and before must be non-negative integers"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entries, err := handler.ledger.ListEntries(requestCtx, accountID, before, int(limit))
	if err != nil {
		handler.respondError(ctx, "entries failed", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID.String(),
			Type:           entry.Type.String(),
			Amount:         entry.Amount.Int64(),
			BalanceAfter:   entry.BalanceAfter.Int64(),
			IdempotencyKey: entry.IdempotencyKey.String(),
			Metadata:       json.RawMessage(entry.Metadata.String()),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleVerifySession(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	if handler.billing == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("provider_unavailable", "payments are not configured"))
		return
	}
	var request verifySessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "sessionId is required"))
		return
	}
	if !handler.allow(ctx, accountID, verifySessionRoute) {
		ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many verification attempts, retry shortly"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.billing.VerifySession(requestCtx, accountID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, "verify session failed", err)
		return
	}
	ctx.JSON(http.StatusOK, verifySessionResponse{
		Credited: result.Credited,
		Paid:     result.Paid,
		Balance:  result.Balance.Int64(),
	})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	if handler.billing == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("provider_unavailable", "payments are not configured"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.billing.StartCheckout(requestCtx, accountID, ctx.GetString(emailContextKey), request.PackageID)
	if err != nil {
		handler.respondError(ctx, "checkout failed", err)
		return
	}
	ctx.JSON(http.StatusOK, checkoutResponse{SessionID: result.SessionID, URL: result.URL})
}

func (handler *httpHandler) handleTailor(ctx *gin.Context) {
	accountID, ok := accountFromContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account identity"))
		return
	}
	if handler.tailor == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("try_again", "resume tailoring is not configured"))
		return
	}
	var request tailorRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.TailorTimeout)
	defer cancel()
	result, err := handler.tailor.Tailor(requestCtx, accountID, tailor.Input{
		Resume:         request.Resume,
		JobDescription: request.JobDescription,
	})
	if err != nil {
		handler.respondError(ctx, "tailor failed", err)
		return
	}
	ctx.JSON(http.StatusOK, tailorResponse{Content: result.Content, Balance: result.Balance.Int64()})
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	if handler.billing == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("provider_unavailable", "payments are not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := handler.billing.HandleWebhook(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrProviderUnverifiable) || errors.Is(err, billing.ErrMalformedSession) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event rejected"))
			return
		}
		// Verified events are always acknowledged; verify-session recovers a missed credit.
		handler.logger.Error("webhook processing failed", zap.String("session_id", result.SessionID), zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

// allow fails open: a limiter outage must not block payment verification.
func (handler *httpHandler) allow(ctx *gin.Context, accountID ledger.AccountID, route string) bool {
	if handler.limiter == nil {
		return true
	}
	allowed, err := handler.limiter.Allow(ctx.Request.Context(), ratelimit.Key(accountID.String(), route))
	if err != nil {
		handler.logger.Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
		return true
	}
	return allowed
}

func parseOptionalInt(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

type spendRequest struct {
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

type verifySessionRequest struct {
	SessionID string `json:"sessionId"`
}

type checkoutRequest struct {
	PackageID string `json:"packageId"`
}

type tailorRequest struct {
	Resume         string `json:"resume"`
	JobDescription string `json:"jobDescription"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type verifySessionResponse struct {
	Credited bool  `json:"credited"`
	Paid     bool  `json:"paid"`
	Balance  int64 `json:"balance"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type tailorResponse struct {
	Content string `json:"content"`
	Balance int64  `json:"balance"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
