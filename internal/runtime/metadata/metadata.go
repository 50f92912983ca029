package metadata

import "strconv"

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Reserved keys written and read by the busflow runtime.
const (
	KeyCorrelationID    = "correlation_id"
	KeyMessageType      = "busflow_message_type"
	KeyDeliveryCount    = "busflow_delivery_count"
	KeyDeadLetterReason = "busflow_dead_letter_reason"
	KeyDeadLetterLimit  = "busflow_dead_letter_limit"
	KeyOriginalTopic    = "busflow_original_topic"
	KeyDeadLetteredAt   = "busflow_dead_lettered_at"
)

func (m Metadata) copyWith(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy; the result is never nil.
func (m Metadata) Clone() Metadata {
	return m.copyWith(0)
}

// With returns a copy holding key=value in addition to the existing entries.
func (m Metadata) With(key, value string) Metadata {
	out := m.copyWith(1)
	out[key] = value
	return out
}

// WithAll returns a copy overlaid with entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.copyWith(len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// Int parses the value stored under key. ok is false when the key is absent
// or not a base-10 integer.
func (m Metadata) Int(key string) (int, bool) {
	raw, present := m[key]
	if !present || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
