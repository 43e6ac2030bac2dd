// Package blacklist answers whether an address falls inside a banned CIDR
// range. The list is loaded once per process from a line-oriented file.
package blacklist

import (
	"net/netip"
	"os"
	"strings"
)

type List struct {
	v4 []netip.Prefix
	v6 []netip.Prefix
}

// Load reads CIDR entries from path, skipping blank lines, comments and
// malformed entries. A missing file yields an empty list, which matches
// nothing: the feature is silently disabled, not an error.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{}, nil
		}
		return nil, err
	}
	return Parse(string(data)), nil
}

func Parse(content string) *List {
	l := &List{}
	for _, raw := range strings.Split(content, "\n") {
		entry := raw
		if i := strings.Index(entry, "#"); i >= 0 {
			entry = entry[:i]
		}
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			// Bare addresses are accepted as /32 or /128.
			addr, aerr := netip.ParseAddr(entry)
			if aerr != nil {
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		if prefix.Addr().Is4() {
			l.v4 = append(l.v4, prefix)
		} else {
			l.v6 = append(l.v6, prefix)
		}
	}
	return l
}

// Empty reports whether no networks are loaded.
func (l *List) Empty() bool { return len(l.v4) == 0 && len(l.v6) == 0 }

// Matches reports whether value parses as an IP inside a banned range.
// Malformed values and empty lists never match.
func (l *List) Matches(value string) bool {
	if value == "" || l.Empty() {
		return false
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	networks := l.v4
	if addr.Is6() {
		networks = l.v6
	}
	for _, network := range networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}
