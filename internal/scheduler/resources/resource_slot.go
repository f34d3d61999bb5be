package resources

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ResourceSlot is a vector of allocatable capacity keyed by slot name (cpu, mem, cuda.shares, ...).
// Dimensions that are absent are zero. Methods never mutate their receiver unless they say so.
type ResourceSlot map[string]resource.Quantity

// NewResourceSlot parses a map of slot name to quantity string, e.g. {"cpu": "2", "mem": "4Gi"}.
func NewResourceSlot(values map[string]string) (ResourceSlot, error) {
	rs := make(ResourceSlot, len(values))
	for k, v := range values {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid quantity %q for slot %s", v, k)
		}
		rs[k] = q
	}
	return rs, nil
}

// MustResourceSlot is NewResourceSlot that panics on parse errors. Intended for tests and constants.
func MustResourceSlot(values map[string]string) ResourceSlot {
	rs, err := NewResourceSlot(values)
	if err != nil {
		panic(err)
	}
	return rs
}

// Get returns the quantity of the named slot, or zero if the slot is absent.
func (rs ResourceSlot) Get(name string) resource.Quantity {
	if rs == nil {
		return resource.Quantity{}
	}
	return rs[name]
}

// Has reports whether the slot is explicitly present.
func (rs ResourceSlot) Has(name string) bool {
	_, ok := rs[name]
	return ok
}

// Names returns the slot names in sorted order.
func (rs ResourceSlot) Names() []string {
	names := maps.Keys(rs)
	sort.Strings(names)
	return names
}

// Add returns rs + other.
func (rs ResourceSlot) Add(other ResourceSlot) ResourceSlot {
	result := rs.DeepCopy()
	for k, v := range other {
		q := result[k]
		q.Add(v)
		result[k] = q
	}
	return result
}

// Sub returns rs - other. Dimensions may go negative.
func (rs ResourceSlot) Sub(other ResourceSlot) ResourceSlot {
	result := rs.DeepCopy()
	for k, v := range other {
		q := result[k]
		q.Sub(v)
		result[k] = q
	}
	return result
}

// DeepCopy returns an independent copy of rs. A nil receiver yields an empty slot.
func (rs ResourceSlot) DeepCopy() ResourceSlot {
	result := make(ResourceSlot, len(rs))
	for k, v := range rs {
		result[k] = v.DeepCopy()
	}
	return result
}

// IsZero reports whether every dimension is zero.
func (rs ResourceSlot) IsZero() bool {
	for _, q := range rs {
		if !q.IsZero() {
			return false
		}
	}
	return true
}

// Equal compares dimension by dimension, treating absent dimensions as zero.
func (rs ResourceSlot) Equal(other ResourceSlot) bool {
	for k, q := range rs {
		if q.Cmp(other.Get(k)) != 0 {
			return false
		}
	}
	for k, q := range other {
		if q.Cmp(rs.Get(k)) != 0 {
			return false
		}
	}
	return true
}

// IsStrictlyNonNegative reports whether every dimension is >= 0.
func (rs ResourceSlot) IsStrictlyNonNegative() bool {
	for _, q := range rs {
		if q.Sign() < 0 {
			return false
		}
	}
	return true
}

// FitsWithin reports whether every dimension of rs is <= the same dimension of capacity.
// Dimensions absent from capacity count as zero capacity.
func (rs ResourceSlot) FitsWithin(capacity ResourceSlot) bool {
	for k, q := range rs {
		if q.Cmp(capacity.Get(k)) > 0 {
			return false
		}
	}
	return true
}

// Exceeding returns, in sorted order, the dimensions present in limit for which rs is greater
// than the limit. Dimensions absent from limit are unlimited.
func (rs ResourceSlot) Exceeding(limit ResourceSlot) []string {
	var exceeded []string
	for _, k := range limit.Names() {
		l := limit[k]
		if v := rs.Get(k); v.Cmp(l) > 0 {
			exceeded = append(exceeded, k)
		}
	}
	return exceeded
}

// String returns a compact, sorted representation such as "cpu=2 mem=4Gi".
func (rs ResourceSlot) String() string {
	var sb strings.Builder
	for i, k := range rs.Names() {
		if i > 0 {
			sb.WriteString(" ")
		}
		q := rs[k]
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(q.String())
	}
	return sb.String()
}
