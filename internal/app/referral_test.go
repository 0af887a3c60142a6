package app

import (
	"context"
	"strings"
	"testing"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adminActor = Actor{Email: "admin@silk.test", Admin: true}

func completeSubmission() domain.KYCSubmission {
	return domain.KYCSubmission{
		FullName:         "Ada Lovelace",
		Country:          "GB",
		DocumentFrontURL: "https://files.silk.test/front.png",
		DocumentBackURL:  "https://files.silk.test/back.png",
	}
}

func TestAttributeReferralOnlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	referrer := seedAccount(t, repo, "ref@silk.test", "")
	other := seedAccount(t, repo, "other@silk.test", "")
	seedAccount(t, repo, "new@silk.test", "")

	applied, err := svc.AttributeReferral(ctx, "new@silk.test", strings.ToLower(referrer.ReferralCode))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.AttributeReferral(ctx, "new@silk.test", other.ReferralCode)
	require.NoError(t, err)
	assert.False(t, applied)

	acc, err := repo.FindAccountByEmail(ctx, "new@silk.test")
	require.NoError(t, err)
	require.NotNil(t, acc.ReferredBy)
	assert.Equal(t, referrer.ReferralCode, *acc.ReferredBy)
}

func TestAttributeReferralRejectsBadCodes(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	self := seedAccount(t, repo, "self@silk.test", "")

	tests := []struct {
		name string
		code string
	}{
		{name: "own code", code: self.ReferralCode},
		{name: "unknown code", code: "ZZZZ9999"},
		{name: "blank code", code: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AttributeReferral(ctx, "self@silk.test", tt.code)
			require.ErrorIs(t, err, ErrInvalidReferralCode)
		})
	}

	acc, err := repo.FindAccountByEmail(ctx, "self@silk.test")
	require.NoError(t, err)
	assert.Nil(t, acc.ReferredBy)
}

func TestReferralCountTracksApprovedKYC(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	referrer := seedAccount(t, repo, "ref@silk.test", "")
	for _, email := range []string{"r1@silk.test", "r2@silk.test"} {
		seedAccount(t, repo, email, "")
		_, err := svc.AttributeReferral(ctx, email, referrer.ReferralCode)
		require.NoError(t, err)
		_, err = svc.SubmitKYC(ctx, email, completeSubmission(), testNow)
		require.NoError(t, err)
	}

	count, err := svc.CountApprovedReferrals(ctx, referrer.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, err = svc.ReviewKYC(ctx, adminActor, "r1@silk.test", true)
	require.NoError(t, err)
	_, err = svc.ReviewKYC(ctx, adminActor, "r2@silk.test", false)
	require.NoError(t, err)

	count, err = svc.CountApprovedReferrals(ctx, referrer.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = svc.CountApprovedReferrals(ctx, "")
	require.ErrorIs(t, err, ErrInvalidReferralCode)
}

func TestKYCLifecycle(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedAccount(t, repo, "k@silk.test", "")

	incomplete := completeSubmission()
	incomplete.DocumentBackURL = " "
	_, err := svc.SubmitKYC(ctx, "k@silk.test", incomplete, testNow)
	require.ErrorIs(t, err, ErrInvalidKYCSubmission)

	_, err = svc.ReviewKYC(ctx, adminActor, "k@silk.test", true)
	require.ErrorIs(t, err, ErrInvalidKYCTransition)

	acc, err := svc.SubmitKYC(ctx, "k@silk.test", completeSubmission(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.KYCPending, acc.KYCStatus)
	require.NotNil(t, acc.KYCSubmittedAt)
	assert.True(t, acc.KYCSubmittedAt.Equal(testNow))
	require.NotNil(t, acc.FullName)
	assert.Equal(t, "Ada Lovelace", *acc.FullName)

	_, err = svc.SubmitKYC(ctx, "k@silk.test", completeSubmission(), testNow)
	require.ErrorIs(t, err, ErrInvalidKYCTransition)

	_, err = svc.ReviewKYC(ctx, Actor{Email: "k@silk.test"}, "k@silk.test", true)
	require.ErrorIs(t, err, ErrForbidden)

	acc, err = svc.ReviewKYC(ctx, adminActor, "k@silk.test", false)
	require.NoError(t, err)
	assert.Equal(t, domain.KYCRejected, acc.KYCStatus)

	acc, err = svc.SubmitKYC(ctx, "k@silk.test", completeSubmission(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.KYCPending, acc.KYCStatus)

	acc, err = svc.ReviewKYC(ctx, adminActor, "k@silk.test", true)
	require.NoError(t, err)
	assert.Equal(t, domain.KYCApproved, acc.KYCStatus)
}

func TestGrantReferralBonus(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedAccount(t, repo, "lucky@silk.test", "1")

	_, err := svc.GrantReferralBonus(ctx, Actor{Email: "lucky@silk.test"}, domain.ReferralBonusRequest{Email: "lucky@silk.test", Amount: dec("5")}, testNow)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GrantReferralBonus(ctx, adminActor, domain.ReferralBonusRequest{Email: "lucky@silk.test", Amount: dec("0")}, testNow)
	require.ErrorIs(t, err, ErrInvalidAmount)

	entry, err := svc.GrantReferralBonus(ctx, adminActor, domain.ReferralBonusRequest{Email: "Lucky@silk.test", Amount: dec("2.5"), Note: "3 friends verified"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionReferral, entry.Type)
	assert.Equal(t, "admin@silk.test", entry.CreatedBy)
	assert.Equal(t, "Referral bonus: 3 friends verified", entry.Description)
	assert.True(t, balanceOf(t, repo, "lucky@silk.test").Equal(dec("3.5")))

	history, err := svc.ListTransactions(ctx, "lucky@silk.test", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entry.ID, history[0].ID)

	pool, err := svc.GetFeePool(ctx, adminActor)
	require.NoError(t, err)
	assert.True(t, pool.TotalFees.IsZero())
	_, err = svc.GetFeePool(ctx, Actor{Email: "lucky@silk.test"})
	require.ErrorIs(t, err, ErrForbidden)
}
