package http

import (
	"encoding/hex"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/coordinator"
	"github.com/goatnetwork/goat-mixer/internal/types"
)

// MixRequestBody is the payload of POST /api/v1/mix. Amount is in coins.
type MixRequestBody struct {
	Currency        string                `json:"currency" binding:"required"`
	Amount          float64               `json:"amount" binding:"required,gt=0"`
	DepositAddress  string                `json:"deposit_address" binding:"required"`
	OutputAddresses []types.OutputAddress `json:"output_addresses" binding:"required,min=1,dive"`
	DelaySeconds    int64                 `json:"delay_seconds" binding:"gte=0"`
}

func (b MixRequestBody) toRequest() (types.MixRequest, error) {
	amount, err := types.NewAmount(b.Amount)
	if err != nil {
		return types.MixRequest{}, err
	}
	return types.MixRequest{
		Currency:        types.NormalizeCurrency(b.Currency),
		Amount:          amount,
		DepositAddress:  b.DepositAddress,
		OutputAddresses: b.OutputAddresses,
		Delay:           time.Duration(b.DelaySeconds) * time.Second,
	}, nil
}

type ConfirmBody struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	// defaults to true when omitted
	Accept *bool `json:"accept"`
}

type SignatureBody struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	SignedTx      string `json:"signed_tx" binding:"required,hexadecimal"`
}

// InvitationView renders transactions as hex.
type InvitationView struct {
	CoordinationID string            `json:"coordination_id"`
	Participant    types.Participant `json:"participant"`
	InvitedAt      time.Time         `json:"invited_at"`
	Confirmed      bool              `json:"confirmed"`
	Declined       bool              `json:"declined"`
	UnsignedTx     string            `json:"unsigned_tx,omitempty"`
	SignatureSent  bool              `json:"signature_sent"`
}

func newInvitationView(inv coordinator.Invitation) InvitationView {
	v := InvitationView{
		CoordinationID: inv.CoordinationID,
		Participant:    inv.Participant,
		InvitedAt:      inv.InvitedAt,
		Confirmed:      inv.Confirmed,
		Declined:       inv.Declined,
		SignatureSent:  inv.SignatureSent,
	}
	if len(inv.Unsigned) > 0 {
		v.UnsignedTx = hex.EncodeToString(inv.Unsigned)
	}
	return v
}
