package models

// OfferState is the platform-reported state of a trade offer.
type OfferState int

const (
	OfferInvalid                OfferState = 1
	OfferActive                 OfferState = 2
	OfferAccepted               OfferState = 3
	OfferCountered              OfferState = 4
	OfferExpired                OfferState = 5
	OfferCanceled               OfferState = 6
	OfferDeclined               OfferState = 7
	OfferInvalidItems           OfferState = 8
	OfferPendingConfirmation    OfferState = 9
	OfferCanceledBySecondFactor OfferState = 10

	// OfferRecheckRequired is synthetic: injected by reconciliation when the
	// platform and the backend disagree about a sent offer. The platform never
	// reports it.
	OfferRecheckRequired OfferState = 99
)

func (s OfferState) String() string {
	switch s {
	case OfferInvalid:
		return "invalid"
	case OfferActive:
		return "active"
	case OfferAccepted:
		return "accepted"
	case OfferCountered:
		return "countered"
	case OfferExpired:
		return "expired"
	case OfferCanceled:
		return "canceled"
	case OfferDeclined:
		return "declined"
	case OfferInvalidItems:
		return "invalid_items"
	case OfferPendingConfirmation:
		return "pending_confirmation"
	case OfferCanceledBySecondFactor:
		return "canceled_by_second_factor"
	case OfferRecheckRequired:
		return "recheck_required"
	default:
		return "unknown"
	}
}

// Terminal reports whether the platform considers the offer settled. The
// synthetic recheck state is not terminal: it exists to be re-resolved.
func (s OfferState) Terminal() bool {
	switch s {
	case OfferAccepted, OfferCountered, OfferExpired, OfferCanceled,
		OfferDeclined, OfferInvalidItems, OfferCanceledBySecondFactor:
		return true
	}
	return false
}
