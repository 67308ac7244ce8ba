// Package items defines stackable item identity: kind, packaging and quality.
// Quantity is never part of identity.
package items

import (
	"fmt"
	"strings"
)

// AnyKind is the wildcard kind used by accept lists and disabled-entity records.
const AnyKind = "Any"

type Quality uint8

const (
	QualityNone Quality = iota
	QualityTrash
	QualityPoor
	QualityStandard
	QualityPremium
	QualityHeavenly
)

var qualityNames = [...]string{"None", "Trash", "Poor", "Standard", "Premium", "Heavenly"}

func (q Quality) String() string {
	if int(q) < len(qualityNames) {
		return qualityNames[q]
	}
	return fmt.Sprintf("Quality(%d)", q)
}

func ParseQuality(s string) (Quality, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QualityNone, true
	}
	for i, n := range qualityNames {
		if strings.EqualFold(n, s) {
			return Quality(i), true
		}
	}
	return QualityNone, false
}

// Tolerance selects how quality is compared when matching a stored stack
// against a requested key.
type Tolerance uint8

const (
	// QualityExact requires equal quality.
	QualityExact Tolerance = iota
	// QualityAtLeast accepts stored stacks whose quality is equal to or
	// better than the requested one.
	QualityAtLeast
)

func (t Tolerance) String() string {
	if t == QualityAtLeast {
		return "at_least"
	}
	return "exact"
}

type Key struct {
	Kind      string
	Packaging string
	Quality   Quality
}

func (k Key) IsEmpty() bool { return k.Kind == "" }

func (k Key) IsWildcard() bool { return k.Kind == AnyKind }

// String renders KIND[/PACKAGING][@QUALITY]; ParseKey is its inverse.
func (k Key) String() string {
	if k.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString(k.Kind)
	if k.Packaging != "" {
		b.WriteByte('/')
		b.WriteString(k.Packaging)
	}
	if k.Quality != QualityNone {
		b.WriteByte('@')
		b.WriteString(k.Quality.String())
	}
	return b.String()
}

func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, nil
	}
	var k Key
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		q, ok := ParseQuality(s[i+1:])
		if !ok {
			return Key{}, fmt.Errorf("bad quality in item key %q", s)
		}
		k.Quality = q
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		k.Packaging = s[i+1:]
		s = s[:i]
	}
	if s == "" {
		return Key{}, fmt.Errorf("empty kind in item key")
	}
	k.Kind = s
	return k, nil
}

// Matches reports whether a stored stack identified by k satisfies the
// requested key want. A wildcard want matches any kind and packaging; only
// quality is compared.
func (k Key) Matches(want Key, tol Tolerance) bool {
	if k.IsEmpty() || want.IsEmpty() {
		return false
	}
	if want.IsWildcard() {
		if want.Quality == QualityNone {
			return true
		}
	} else if k.Kind != want.Kind || k.Packaging != want.Packaging {
		return false
	}
	return qualityOK(k.Quality, want.Quality, tol)
}

func qualityOK(stored, want Quality, tol Tolerance) bool {
	if tol == QualityExact || stored == QualityNone || want == QualityNone {
		return stored == want
	}
	return stored >= want
}

// CanStack reports whether n more units of k can join a stack of existing.
// Stacking is identity equality; tolerance never applies.
func CanStack(existing, k Key) bool {
	return existing.IsEmpty() || existing == k
}

// Stack is a key with a quantity.
type Stack struct {
	Key      Key
	Quantity int
}

func (s Stack) IsEmpty() bool { return s.Quantity <= 0 || s.Key.IsEmpty() }
