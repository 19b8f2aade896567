package ledger

import "strings"

// ResourceKey is the stable logical name under which a step's result is recorded.
// e.g. "libraries.PoolLogic", "core.PoolAddressesProvider".
type ResourceKey string

func (k ResourceKey) String() string {
	return string(k)
}

// Identifier uniquely names the durable artifact a step produced, such as a contract address or
// a transaction hash.
type Identifier string

func (id Identifier) String() string {
	return string(id)
}

// IsZero reports whether the identifier is the "not yet applied" sentinel. An identifier is zero
// when it is empty after trimming whitespace, or when it is a 0x prefixed hex string made only of
// zero digits (the zero address, the zero hash, or a bare "0x").
//
// This is the only emptiness rule used to decide whether a step has been applied.
func (id Identifier) IsZero() bool {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return true
	}

	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return strings.Trim(s[2:], "0") == ""
	}

	return false
}
