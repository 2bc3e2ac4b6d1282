package marrow

import (
	"fmt"
	"strings"
)

// CompareOptions mirrors the culture compare-flags half of a Collation
// tuple (spec glossary: "Collation: tuple of culture + compare flags
// controlling string/BsonValue ordering").
type CompareOptions int

const (
	CompareNone CompareOptions = 0

	CompareIgnoreCase CompareOptions = 1 << iota
	CompareIgnoreSymbols
)

func (c CompareOptions) has(flag CompareOptions) bool { return c&flag != 0 }

func (c CompareOptions) String() string {
	var parts []string
	if c.has(CompareIgnoreCase) {
		parts = append(parts, "IgnoreCase")
	}
	if c.has(CompareIgnoreSymbols) {
		parts = append(parts, "IgnoreSymbols")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, ",")
}

// Collation is the persisted pragma controlling string and BsonValue
// ordering, encoded as "<culture>/<compare-options>" per spec §6.
type Collation struct {
	Culture string
	Options CompareOptions
}

func DefaultCollation() Collation {
	return Collation{Culture: "en-US", Options: CompareNone}
}

func (c Collation) String() string {
	return fmt.Sprintf("%s/%s", c.Culture, c.Options)
}

// ParseCollation parses the "<culture>/<compare-options>" pragma format.
func ParseCollation(s string) (Collation, error) {
	parts := strings.SplitN(s, "/", 2)
	culture := parts[0]
	if culture == "" {
		culture = "en-US"
	}
	opts := CompareNone
	if len(parts) == 2 {
		for _, flag := range strings.Split(parts[1], ",") {
			switch strings.TrimSpace(flag) {
			case "", "None":
			case "IgnoreCase":
				opts |= CompareIgnoreCase
			case "IgnoreSymbols":
				opts |= CompareIgnoreSymbols
			default:
				return Collation{}, fmt.Errorf("collation: unknown compare option %q", flag)
			}
		}
	}
	return Collation{Culture: culture, Options: opts}, nil
}

// CompareStrings orders two strings according to the collation, used by the
// ordered index and by BsonValue comparisons for the String kind.
func (c Collation) CompareStrings(a, b string) int {
	if c.Options.has(CompareIgnoreCase) {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}
	if c.Options.has(CompareIgnoreSymbols) {
		a = stripSymbols(a)
		b = stripSymbols(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func stripSymbols(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
