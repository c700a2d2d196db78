package docstore

import (
	"fmt"
	"maps"
	"time"
)

// TimeLayout is how timestamps are stored: UTC with a fixed nine-digit
// fraction, so that string order matches time order in queries.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// serverTimestamp is the sentinel written by ServerTimestamp.
type serverTimestamp struct{}

// increment is the sentinel written by Increment.
type increment struct {
	by int64
}

// ServerTimestamp asks the store to set the field to its own clock at commit
// time. Clients never supply the authoritative timestamp.
func ServerTimestamp() any { return serverTimestamp{} }

// Increment asks the store to add n to the field atomically. An absent field
// counts as 0.
func Increment(n int64) any { return increment{by: n} }

// SetOption configures Set.
type SetOption func(*setOptions)

type setOptions struct {
	merge bool
}

// Merge makes Set keep existing top-level fields that the write does not name.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

// IsMerge reports whether the options request a merge.
func IsMerge(opts []SetOption) bool {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.merge
}

// Apply computes the stored fields after writing patch over base at time now.
// Transforms are resolved here: ServerTimestamp becomes now (TimeLayout),
// Increment adds to the current value. base is not modified.
//
// Store implementations call Apply inside their write transaction so that the
// read of base and the write of the result cannot interleave with another writer.
func Apply(base, patch Fields, now time.Time) (Fields, error) {
	out := make(Fields, len(base)+len(patch))
	maps.Copy(out, base)

	for key, value := range patch {
		if !fieldName.MatchString(key) {
			return nil, fmt.Errorf("docstore: invalid field name %q", key)
		}
		switch v := value.(type) {
		case serverTimestamp:
			out[key] = now.UTC().Format(TimeLayout)
		case increment:
			current := int64(0)
			if existing, ok := out[key]; ok && existing != nil {
				n, err := toInt64(existing)
				if err != nil {
					return nil, fmt.Errorf("docstore: incrementing field %q: %w", key, err)
				}
				current = n
			}
			out[key] = current + v.by
		case time.Time:
			out[key] = v.UTC().Format(TimeLayout)
		default:
			out[key] = value
		}
	}
	return out, nil
}
