// Package identity canonicalizes accessory hardware addresses and display
// names into comparable keys. Every battery source spells identities
// differently ("AA:BB:CC", "aa-bb-cc", "AirPods Pro (2nd)") and the fusion
// layer correlates readings about the same accessory purely by these keys.
package identity

import "strings"

// Key is a normalized identity token. An empty Key means "no key" and must
// never be used for matching.
type Key string

// IsZero reports whether the key is empty (no usable identity).
func (k Key) IsZero() bool {
	return k == ""
}

var addressStripper = strings.NewReplacer(":", "", "-", "", " ", "")

// NormalizeAddress converts a vendor-formatted hardware address to a Key:
// lowercase with colon, dash, and space separators stripped. Idempotent, so
// "AA:BB:CC" and "aabbcc" collide to the same key.
func NormalizeAddress(s string) Key {
	return Key(strings.ToLower(addressStripper.Replace(s)))
}

// NormalizeName converts a display name to a Key: lowercase alphanumeric
// runs only. All punctuation and whitespace is dropped, so
// "AirPods Pro (2nd)" and "airpods-pro-2nd" collide to the same key.
func NormalizeName(s string) Key {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return Key(b.String())
}
