package storage

import "time"

// Value is a stored string with its optional absolute expiry
type Value struct {
	Data   []byte
	Expiry *time.Time
}

// IsExpiredAt reports whether the value has expired at now
func (v *Value) IsExpiredAt(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}

func newValue(data []byte, expiry *time.Time) *Value {
	v := &Value{Data: append([]byte(nil), data...)}
	if expiry != nil {
		at := *expiry
		v.Expiry = &at
	}
	return v
}
