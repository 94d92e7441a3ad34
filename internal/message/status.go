package message

// Status is the outcome of processing a message.
type Status int

const (
	OK Status = iota
	Ancient
	Delayed
	HandlerNotYetTimedOut
	MutexLocked
	AttemptsLimitReached
	ExceptionsLimitReached
	HandlerCrash
	InternalError
)

var statusNames = [...]string{
	OK:                     "OK",
	Ancient:                "Ancient",
	Delayed:                "Delayed",
	HandlerNotYetTimedOut:  "HandlerNotYetTimedOut",
	MutexLocked:            "MutexLocked",
	AttemptsLimitReached:   "AttemptsLimitReached",
	ExceptionsLimitReached: "ExceptionsLimitReached",
	HandlerCrash:           "HandlerCrash",
	InternalError:          "InternalError",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// Reject reports whether the message must be handed back to the broker for
// another delivery.
func (s Status) Reject() bool {
	switch s {
	case Delayed, HandlerNotYetTimedOut, MutexLocked, HandlerCrash, InternalError:
		return true
	default:
		return false
	}
}

// Failure reports whether the handler gave up on the message for good.
func (s Status) Failure() bool {
	return s == AttemptsLimitReached || s == ExceptionsLimitReached
}
