package payment

import "strings"

// Yappy reports execution state with single-letter codes.
const (
	YappyExecuted = "E"
	YappyRejected = "R"
	YappyCanceled = "C"
	YappyExpired  = "X"
)

// FromYappy maps a provider code to a status. ok is false for codes that do
// not end the payment (the payment stays PENDING).
func FromYappy(code string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case YappyExecuted:
		return StatusCompleted, true
	case YappyRejected:
		return StatusFailed, true
	case YappyCanceled:
		return StatusCancelled, true
	case YappyExpired:
		return StatusExpired, true
	}
	return StatusPending, false
}
