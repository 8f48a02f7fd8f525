package listener

// State is the stage of one inbound connection.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateRegistering
	StateLive
	StateDisconnected
)

var stateNames = [...]string{
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateRegistering:  "registering",
	StateLive:         "live",
	StateDisconnected: "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDisconnected
}
