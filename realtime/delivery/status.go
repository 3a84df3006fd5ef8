package delivery

// Status is the per-message delivery state machine. Transitions only move
// forward; stale updates arriving late must be ignored, never rewound.
type Status int

const (
	StatusSending Status = iota + 1
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func StatusFromString(s string) Status {
	for st, name := range statusNames {
		if name == s {
			return st
		}
	}
	return 0
}

// CanAdvance reports whether from→to is a legal forward transition.
// Failed 是终态，且只能从 Sending/Sent 进入；Read 之后不再变化。
func CanAdvance(from, to Status) bool {
	if from == StatusFailed || from == StatusRead {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending || from == StatusSent
	}
	return to > from
}
