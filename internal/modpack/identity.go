package modpack

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity identifies a package. Two identities are the same package when
// their hashes are equal; Name is the human-facing identity string and is
// only consulted when no hash is available.
type Identity struct {
	Hash uint64
	Name string
}

// Equal compares identities by content hash only.
func (i Identity) Equal(other Identity) bool { return i.Hash == other.Hash }

// HashString formats the hash the way definition files store it.
func (i Identity) HashString() string { return FormatHash(i.Hash) }

func (i Identity) String() string {
	return fmt.Sprintf("%s [%s]", i.Name, i.HashString())
}

// FormatHash renders a content hash as 16 lowercase hex digits.
func FormatHash(h uint64) string { return fmt.Sprintf("%016x", h) }

// ParseHash is the inverse of FormatHash. A leading "0x" is accepted.
func ParseHash(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing package hash %q: %w", s, err)
	}
	return h, nil
}

// MatchIdentity finds want among candidates by hash, falling back to a
// case-insensitive name comparison only when no candidate has the same hash.
func MatchIdentity(candidates []Identity, want Identity) (Identity, bool) {
	for _, c := range candidates {
		if c.Hash == want.Hash {
			return c, true
		}
	}
	if want.Name == "" {
		return Identity{}, false
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Name, want.Name) {
			return c, true
		}
	}
	return Identity{}, false
}

// ParseIdentity splits a file or folder name into a display name and a
// version. The version is introduced by the last 'v' or 'V' that follows a
// space, underscore or hyphen and precedes a digit. When underscoreToSpace is
// set, underscores in the display name become spaces.
func ParseIdentity(name string, underscoreToSpace bool) (display, version string, ok bool) {
	display = name
	if i := versionMark(name); i > 0 && IsVersionString(name[i+1:]) {
		display = name[:i-1]
		version = name[i+1:]
		ok = true
	}
	if underscoreToSpace {
		display = strings.ReplaceAll(display, "_", " ")
	}
	return display, version, ok
}

// versionMark returns the index of the version letter, or -1.
func versionMark(name string) int {
	for i := len(name) - 2; i > 0; i-- {
		c := name[i]
		if c != 'v' && c != 'V' {
			continue
		}
		prev, next := name[i-1], name[i+1]
		if (prev == ' ' || prev == '_' || prev == '-') && next >= '0' && next <= '9' {
			return i
		}
	}
	return -1
}

// IsVersionString reports whether s is one to three dot-separated groups
// of at most 15 decimal digits each.
func IsVersionString(s string) bool {
	groups := strings.Split(s, ".")
	if len(groups) > 3 {
		return false
	}
	for _, g := range groups {
		if g == "" || len(g) > 15 {
			return false
		}
		for i := 0; i < len(g); i++ {
			if g[i] < '0' || g[i] > '9' {
				return false
			}
		}
	}
	return true
}
