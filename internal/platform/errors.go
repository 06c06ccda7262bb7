package platform

import (
	"errors"
	"fmt"
)

// Offer operation error codes the fleet reacts to. Any other code is treated
// as transient.
const (
	// CodeForbidden: the platform refused the API key.
	CodeForbidden = 403

	// CodeTooManyOffers: rate limit on offers to a single counterparty;
	// retrying is pointless.
	CodeTooManyOffers = 50
)

// OfferError is a platform rejection of an offer operation, carrying the
// platform's numeric code.
type OfferError struct {
	Code    int
	Message string
}

func (e *OfferError) Error() string {
	return fmt.Sprintf("platform: %s (%d)", e.Message, e.Code)
}

// ErrorCode extracts the platform code from err, or 0 when err carries none.
func ErrorCode(err error) int {
	var oe *OfferError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return 0
}
