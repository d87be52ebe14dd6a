package models

// Snapshot is the combined widget state pushed to observers on every
// broadcast tick.
type Snapshot struct {
	Remaining       int64   `json:"remaining"`
	EndsAt          int64   `json:"endsAt"`
	PayoutRemaining *int64  `json:"payoutRemaining"`
	PayoutValue     float64 `json:"payoutValue"`
	NISTReady       bool    `json:"nistReady"`
	VisitsToday     *int64  `json:"visitsToday"`
}

// Map returns the snapshot as a plain map with nil for the nullable
// window fields. Used where a JSON-like generic value is needed.
func (s Snapshot) Map() map[string]interface{} {
	m := map[string]interface{}{
		"remaining":       s.Remaining,
		"endsAt":          s.EndsAt,
		"payoutRemaining": nil,
		"payoutValue":     s.PayoutValue,
		"nistReady":       s.NISTReady,
		"visitsToday":     nil,
	}
	if s.PayoutRemaining != nil {
		m["payoutRemaining"] = *s.PayoutRemaining
	}
	if s.VisitsToday != nil {
		m["visitsToday"] = *s.VisitsToday
	}
	return m
}
