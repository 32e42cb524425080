package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Entry buckets - nested structure: entries -> namespace -> key -> value
	bucketEntries = []byte("entries")

	// Expiry index
	bucketByExpiry    = []byte("entries_by_expiry")     // timestamp+namespace+key -> namespace+key
	bucketExpiryByKey = []byte("entries_expiry_by_key") // namespace+key -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeCompoundKey creates a compound key for the expiry indexes.
// Format: [namespace][separator][key]
func makeCompoundKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseCompoundKey extracts namespace and key from a compound key.
func parseCompoundKey(data []byte) (namespace, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeExpiryKey creates a key for the expiry index.
// Format: [8-byte timestamp][namespace][separator][key]
func makeExpiryKey(expiresAt time.Time, namespace, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	ck := makeCompoundKey(namespace, key)
	result := make([]byte, 8+len(ck))
	copy(result[:8], ts)
	copy(result[8:], ck)
	return result
}

// parseExpiryKey extracts the expiry time, namespace and key from an expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, namespace, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	namespace, key = parseCompoundKey(data[8:])
	return expiresAt, namespace, key
}
