package enum

// Priority orders rate limiter waiters. Higher values are served first.
type Priority uint8

const (
	_priority_beg Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
	_priority_end
)

func (p Priority) IsAvailable() bool {
	return p > _priority_beg && p < _priority_end
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}
