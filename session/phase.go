package session

import "fmt"

// Phase is where a connection is in its lifecycle.
//
//	Disconnected -> Connecting -> Authenticating -> Negotiated -> Subscribed
//
// Any phase moves through Terminating back to Disconnected on Unsubscribe
// or a transport error.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Negotiated
	Subscribed
	Terminating
)

var phaseNames = [...]string{
	Disconnected:   "Disconnected",
	Connecting:     "Connecting",
	Authenticating: "Authenticating",
	Negotiated:     "Negotiated",
	Subscribed:     "Subscribed",
	Terminating:    "Terminating",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int32(p))
	}

	return phaseNames[p]
}
