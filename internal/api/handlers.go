/**
 * @description
 * This file contains the HTTP handlers for the ledger API. Handlers parse the
 * request, call the application service and translate ledger errors into HTTP
 * status codes with a `{"error", "code"}` body.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: service logic, models and errors.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/silknetwork-maker/silk-network/internal/app"
	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

const (
	codeInvalidAmount          = "InvalidAmount"
	codeInsufficientFunds      = "InsufficientFunds"
	codeRecipientNotFound      = "RecipientNotFound"
	codeAccountNotFound        = "AccountNotFound"
	codeSelfTransferNotAllowed = "SelfTransferNotAllowed"
	codeNotEligibleYet         = "NotEligibleYet"
	codeMiningNotStarted       = "MiningNotStarted"
	codeMiningAlreadyActive    = "MiningAlreadyActive"
	codeInvalidReferralCode    = "InvalidReferralCode"
	codeInvalidKYCSubmission   = "InvalidKYCSubmission"
	codeInvalidKYCTransition   = "InvalidKYCTransition"
	codeConcurrentModification = "ConcurrentModification"
	codeStoreUnavailable       = "StoreUnavailable"
	codeRateLimited            = "RateLimited"
	codeForbidden              = "Forbidden"
	codeUnauthorized           = "Unauthorized"
	codeBadRequest             = "BadRequest"
	codeInternal               = "InternalError"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
	now     func() time.Time
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// rewardRejectedResponse keeps the reward payload shape on a 409 so clients can
// render the countdown without a second request.
type rewardRejectedResponse struct {
	Applied        bool       `json:"applied"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	Error          string     `json:"error"`
	Code           string     `json:"code"`
}

type transferResponse struct {
	Status         domain.TransactionStatus `json:"status"`
	TransactionID  string                   `json:"transaction_id"`
	Amount         string                   `json:"amount"`
	ReceiverAmount string                   `json:"receiver_amount"`
	Fee            string                   `json:"fee"`
	NewBalance     string                   `json:"new_balance"`
}

type referralCountResponse struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

type attributeReferralRequest struct {
	Code string `json:"code"`
}

type attributeReferralResponse struct {
	Applied bool `json:"applied"`
}

// mapLedgerError translates service and store errors into a status, code and message.
func mapLedgerError(err error) (int, string, string) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, codeRateLimited, "Too many requests. Please wait and try again."
	case errors.Is(err, app.ErrInvalidAmount):
		return http.StatusBadRequest, codeInvalidAmount, "Amount must be positive, have at most 8 decimal places and exceed the transfer fee."
	case errors.Is(err, app.ErrSelfTransferNotAllowed):
		return http.StatusBadRequest, codeSelfTransferNotAllowed, "You cannot transfer tokens to yourself."
	case errors.Is(err, app.ErrInvalidReferralCode):
		return http.StatusBadRequest, codeInvalidReferralCode, "Referral code is invalid."
	case errors.Is(err, app.ErrInvalidKYCSubmission):
		return http.StatusBadRequest, codeInvalidKYCSubmission, "All KYC fields are required."
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired, codeInsufficientFunds, "Insufficient balance."
	case errors.Is(err, app.ErrRecipientNotFound), errors.Is(err, store.ErrRecipientNotFound):
		return http.StatusNotFound, codeRecipientNotFound, "Recipient not found."
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, codeAccountNotFound, "Account not found."
	case errors.Is(err, app.ErrNotEligibleYet):
		return http.StatusConflict, codeNotEligibleYet, "Reward is not available yet."
	case errors.Is(err, app.ErrMiningNotStarted):
		return http.StatusConflict, codeMiningNotStarted, "No mining session is active."
	case errors.Is(err, app.ErrMiningAlreadyActive):
		return http.StatusConflict, codeMiningAlreadyActive, "A mining session is already active."
	case errors.Is(err, app.ErrInvalidKYCTransition):
		return http.StatusConflict, codeInvalidKYCTransition, "KYC status does not allow this action."
	case errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict, codeConcurrentModification, "The account was modified concurrently. Please retry."
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, codeForbidden, "Admin role required."
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, codeStoreUnavailable, "Ledger is temporarily unavailable."
	}
	return http.StatusInternalServerError, codeInternal, "Could not process request."
}

func (h *LedgerHandlers) fail(w http.ResponseWriter, endpoint, email string, err error) {
	status, code, message := mapLedgerError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed email=%s err=%v", endpoint, email, err)
	} else {
		log.Printf("level=info component=api endpoint=%s outcome=rejected email=%s code=%s", endpoint, email, code)
	}

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	writeError(w, status, code, message)
}

// failReward keeps applied=false and next_eligible_at on reward rejections.
func (h *LedgerHandlers) failReward(w http.ResponseWriter, endpoint, email string, err error) {
	var eligErr *app.EligibilityError
	if !errors.As(err, &eligErr) {
		h.fail(w, endpoint, email, err)
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=not_eligible email=%s next_eligible_at=%s", endpoint, email, eligErr.NextEligibleAt.Format(time.RFC3339))
	next := eligErr.NextEligibleAt.UTC()
	writeJSON(w, http.StatusConflict, rewardRejectedResponse{
		Applied:        false,
		NextEligibleAt: &next,
		Error:          "Reward is not available yet.",
		Code:           codeNotEligibleYet,
	})
}

func (h *LedgerHandlers) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "User identity not found in token")
		return Identity{}, false
	}
	return identity, true
}

// GetMyAccountHandler returns the caller's account, provisioning it on first sight.
func (h *LedgerHandlers) GetMyAccountHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	acc, err := h.service.ProvisionAccount(r.Context(), domain.ProvisionAccountRequest{
		Email:        identity.Email,
		ReferralCode: r.URL.Query().Get("ref"),
	})
	if err != nil {
		h.fail(w, "get_account", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *LedgerHandlers) CheckinHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	result, err := h.service.ClaimCheckin(r.Context(), identity.Email, h.now())
	if err != nil {
		h.failReward(w, "checkin", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LedgerHandlers) StartMiningHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	result, err := h.service.StartMining(r.Context(), identity.Email, h.now())
	if err != nil {
		h.fail(w, "mining_start", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LedgerHandlers) CollectMiningHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	result, err := h.service.CollectMining(r.Context(), identity.Email, h.now())
	if err != nil {
		h.failReward(w, "mining_collect", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TransferHandler moves tokens from the caller to another account.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}
	if strings.TrimSpace(req.ToEmail) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "to_email is required.")
		return
	}

	result, err := h.service.Transfer(r.Context(), identity.Email, req, h.now())
	if err != nil {
		h.fail(w, "transfer", identity.Email, err)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=accepted email=%s transaction_id=%s", identity.Email, result.TransactionID)
	writeJSON(w, http.StatusOK, transferResponse{
		Status:         result.Status,
		TransactionID:  result.TransactionID.String(),
		Amount:         result.Amount.String(),
		ReceiverAmount: result.ReceiverAmount.String(),
		Fee:            result.Fee.String(),
		NewBalance:     result.NewBalance.String(),
	})
}

// ListTransactionsHandler returns the caller's history. Only for=me is supported.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	if scope := strings.TrimSpace(r.URL.Query().Get("for")); scope != "" && scope != "me" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Only for=me is supported.")
		return
	}
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), app.DefaultTransactionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid limit")
		return
	}

	items, err := h.service.ListTransactions(r.Context(), identity.Email, limit)
	if err != nil {
		h.fail(w, "list_transactions", identity.Email, err)
		return
	}
	if items == nil {
		items = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ReferralCountHandler counts approved referrals for a code, defaulting to the caller's own.
func (h *LedgerHandlers) ReferralCountHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	code := domain.NormalizeReferralCode(r.URL.Query().Get("code"))
	if code == "" {
		acc, err := h.service.GetAccount(r.Context(), identity.Email)
		if err != nil {
			h.fail(w, "referral_count", identity.Email, err)
			return
		}
		code = acc.ReferralCode
	}

	count, err := h.service.CountApprovedReferrals(r.Context(), code)
	if err != nil {
		h.fail(w, "referral_count", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, referralCountResponse{Code: code, Count: count})
}

func (h *LedgerHandlers) AttributeReferralHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req attributeReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}

	applied, err := h.service.AttributeReferral(r.Context(), identity.Email, req.Code)
	if err != nil {
		h.fail(w, "attribute_referral", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, attributeReferralResponse{Applied: applied})
}

func (h *LedgerHandlers) SubmitKYCHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.KYCSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}

	acc, err := h.service.SubmitKYC(r.Context(), identity.Email, req, h.now())
	if err != nil {
		h.fail(w, "submit_kyc", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *LedgerHandlers) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), app.DefaultNotificationLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid limit")
		return
	}
	items, err := h.service.ListActiveNotifications(r.Context(), limit)
	if err != nil {
		h.fail(w, "list_notifications", "", err)
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *LedgerHandlers) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), app.DefaultTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid limit")
		return
	}
	tasks, err := h.service.ListActiveTasks(r.Context(), limit)
	if err != nil {
		h.fail(w, "list_tasks", "", err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *LedgerHandlers) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Settings())
}

// ReviewKYCHandler approves or rejects a pending KYC submission.
func (h *LedgerHandlers) ReviewKYCHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.KYCReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}

	target := chi.URLParam(r, "email")
	acc, err := h.service.ReviewKYC(r.Context(), identity.Actor(), target, req.Approve)
	if err != nil {
		h.fail(w, "review_kyc", identity.Email, err)
		return
	}
	log.Printf("level=info component=api endpoint=review_kyc outcome=reviewed admin=%s target=%s status=%s", identity.Email, acc.Email, acc.KYCStatus)
	writeJSON(w, http.StatusOK, acc)
}

func (h *LedgerHandlers) GrantReferralBonusHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.ReferralBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}

	entry, err := h.service.GrantReferralBonus(r.Context(), identity.Actor(), req, h.now())
	if err != nil {
		h.fail(w, "referral_bonus", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *LedgerHandlers) FeePoolHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	pool, err := h.service.GetFeePool(r.Context(), identity.Actor())
	if err != nil {
		h.fail(w, "fee_pool", identity.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// ProvisionAccountHandler is called by the signup collaborator after a user registers.
func (h *LedgerHandlers) ProvisionAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ProvisionAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request payload.")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, codeBadRequest, "A valid email is required.")
		return
	}

	acc, err := h.service.ProvisionAccount(r.Context(), req)
	if err != nil {
		h.fail(w, "provision_account", req.Email, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func parseOptionalPositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errors.New("invalid positive integer")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
