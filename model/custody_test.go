package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		allowed bool
	}{
		{"created to submitted", StatusCreated, StatusSubmitted, true},
		{"created to completed", StatusCreated, StatusCompleted, true},
		{"created to failed", StatusCreated, StatusFailed, true},
		{"submitted to completed", StatusSubmitted, StatusCompleted, true},
		{"submitted to failed", StatusSubmitted, StatusFailed, true},
		{"submitted to created", StatusSubmitted, StatusCreated, false},
		{"completed to failed", StatusCompleted, StatusFailed, false},
		{"completed to submitted", StatusCompleted, StatusSubmitted, false},
		{"failed to completed", StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := CustodyTransaction{Status: tt.from}
			assert.Equal(t, tt.allowed, txn.CanTransitionTo(tt.to))
		})
	}
}

func TestValidate(t *testing.T) {
	txn := CustodyTransaction{
		TransactionID: GenerateUUIDWithSuffix("txn"),
		Status:        StatusCreated,
		Protocol:      ProtocolSep24,
		Kind:          KindWithdrawal,
		Amount:        "100.50",
		Asset:         "USDC:GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVV",
	}
	assert.NoError(t, txn.Validate())

	txn.Protocol = "12"
	assert.Error(t, txn.Validate())

	txn.Protocol = ProtocolSep31
	txn.Amount = "not-a-number"
	assert.Error(t, txn.Validate())

	txn.Amount = "100"
	txn.Kind = "transfer"
	assert.Error(t, txn.Validate())
}

func TestIncoming(t *testing.T) {
	assert.True(t, (&CustodyTransaction{Kind: KindWithdrawal}).Incoming())
	assert.True(t, (&CustodyTransaction{Kind: KindReceive}).Incoming())
	assert.False(t, (&CustodyTransaction{Kind: KindDeposit}).Incoming())
}

func TestAssetName(t *testing.T) {
	assert.Equal(t, "native", AssetName("native", "", ""))
	assert.Equal(t, "native", AssetName("", "", ""))
	assert.Equal(t, "USDC:GAISSUER", AssetName("credit_alphanum4", "USDC", "GAISSUER"))
}

func TestPendingTrustTimedOut(t *testing.T) {
	now := time.Now()
	rec := TransactionPendingTrust{CreatedAt: now.Add(-2 * time.Hour)}
	assert.True(t, rec.TimedOut(time.Hour, now))
	assert.False(t, rec.TimedOut(3*time.Hour, now))
}

func TestAmountDecimal(t *testing.T) {
	p := CustodyPayment{Amount: "42.5000000"}
	d, err := p.AmountDecimal()
	assert.NoError(t, err)
	assert.Equal(t, "42.5", d.String())

	p.Amount = ""
	d, err = p.AmountDecimal()
	assert.NoError(t, err)
	assert.True(t, d.IsZero())
}
