package escrow

import (
	"inferpay/payout"
	"inferpay/storage/audit"
	"inferpay/storage/ledger"
)

func newHoldEntry(e *ledger.Escrow) audit.Entry {
	return audit.Entry{
		OccurredAt: e.CreatedAt,
		Subject:    e.ID.String(),
		Action:     audit.ActionHold,
		Details: map[string]string{
			"request_id":        e.RequestID.String(),
			"lamports":          e.Amount.LamportString(),
			"payment_reference": e.PaymentReference,
		},
	}
}

func newTransitionEntry(e *ledger.Escrow, action payout.Action, destination string) audit.Entry {
	kind := audit.ActionRelease
	if action == payout.ActionRefund {
		kind = audit.ActionRefund
	}
	entry := audit.Entry{
		Subject: e.ID.String(),
		Action:  kind,
		Details: map[string]string{
			"request_id":  e.RequestID.String(),
			"lamports":    e.Amount.LamportString(),
			"destination": destination,
		},
	}
	if e.SettledAt != nil {
		entry.OccurredAt = *e.SettledAt
	}
	return entry
}

func newPayoutEntry(e *ledger.Escrow, transfer payout.Transfer, reference string, err error, retry bool) audit.Entry {
	kind := audit.ActionPayout
	if retry {
		kind = audit.ActionPayoutRetry
	}
	details := map[string]string{
		"action":          string(transfer.Action),
		"idempotency_key": transfer.IdempotencyKey,
		"destination":     transfer.Destination,
	}
	if err != nil {
		details["error"] = err.Error()
	} else {
		details["reference"] = reference
	}
	return audit.Entry{Subject: e.ID.String(), Action: kind, Details: details}
}
