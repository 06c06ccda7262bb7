package platform

// EventKind identifies a session lifecycle event.
type EventKind int

const (
	// EventAuthenticated: credentials accepted; PlatformID is set.
	EventAuthenticated EventKind = iota + 1

	// EventSessionEstablished: web session ready; SessionToken and Cookies are set.
	EventSessionEstablished

	// EventDisconnected: the connection dropped; Reason is set.
	EventDisconnected

	// EventError: the platform rejected the session; Code is set.
	EventError

	// EventLoginKey: the platform rotated the persisted session token; LoginKey is set.
	EventLoginKey

	// EventGuardChallenge: a second-factor challenge must be answered; Guard is set.
	EventGuardChallenge

	// EventOfferCountChanged: the pending offer count changed; OfferCount is set.
	EventOfferCountChanged
)

// GuardChannel says where the platform expects the second factor from.
type GuardChannel string

const (
	GuardDevice GuardChannel = "device"
	GuardEmail  GuardChannel = "email"
)

// GuardChallenge carries a second-factor prompt. Respond feeds the code back
// to the pending login and may be called at most once.
type GuardChallenge struct {
	Channel GuardChannel

	// EmailDomain is the masked mail domain for email-channel challenges.
	EmailDomain string

	Respond func(code string)
}

// Event is one session lifecycle notification. Only the fields named by Kind
// are meaningful.
type Event struct {
	Kind EventKind

	PlatformID   string
	SessionToken string
	Cookies      []string
	Reason       string
	Code         ResultCode
	LoginKey     string
	Guard        *GuardChallenge
	OfferCount   int
}

// ResultCode is a platform session error code.
type ResultCode int

const (
	ResultInvalidCredentials ResultCode = 5
	ResultLoggedElsewhere    ResultCode = 6
	ResultSessionReplaced    ResultCode = 34
	ResultRateLimited        ResultCode = 84
)

func (c ResultCode) String() string {
	switch c {
	case ResultInvalidCredentials:
		return "invalid_credentials"
	case ResultLoggedElsewhere:
		return "logged_elsewhere"
	case ResultSessionReplaced:
		return "session_replaced"
	case ResultRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}
