package domain

// Account is a character's login record.
type Account struct {
	ID       string
	Login    string
	Password string
	Access   []AccessEntry
}

// AccessEntry delegates access to this account's character to another
// character until Timestamp (epoch ms).
type AccessEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Grants reports whether requesterID may act on this account's character at nowMs.
func (a Account) Grants(requesterID string, nowMs int64) bool {
	if requesterID == a.ID {
		return true
	}
	for _, e := range a.Access {
		if e.ID == requesterID && e.Timestamp > nowMs {
			return true
		}
	}
	return false
}
