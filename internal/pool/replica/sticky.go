package replica

import "time"

// StickyRecord pins a replica on behalf of Owner. A nil Expires means the
// pin lasts until it is removed explicitly.
type StickyRecord struct {
	Owner   string     `json:"owner"`
	Expires *time.Time `json:"expires,omitempty"`
}

// NewStickyRecord returns a record for owner expiring at expires. A zero
// expires yields a permanent record.
func NewStickyRecord(owner string, expires time.Time) StickyRecord {
	if expires.IsZero() {
		return StickyRecord{Owner: owner}
	}
	t := expires
	return StickyRecord{Owner: owner, Expires: &t}
}

// IsPermanent reports whether the record never expires.
func (r StickyRecord) IsPermanent() bool {
	return r.Expires == nil
}

// IsExpiredAt reports whether the record's lifetime has passed at now.
func (r StickyRecord) IsExpiredAt(now time.Time) bool {
	return r.Expires != nil && !r.Expires.After(now)
}
