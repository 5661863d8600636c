package analysis

import "strings"

// IgnoreList is an ordered sequence of domain-suffix patterns.
type IgnoreList []string

// ParseIgnoreList splits a ";"-separated pattern list, trimming blanks.
func ParseIgnoreList(raw string) IgnoreList {
	var list IgnoreList
	for _, p := range strings.Split(raw, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		list = append(list, p)
	}
	return list
}

// Matches reports whether any pattern is a substring of "."+host, so ".icloud.com"
// covers icloud.com itself as well as its subdomains.
func (l IgnoreList) Matches(host string) bool {
	dotted := "." + host
	for _, p := range l {
		if p != "" && strings.Contains(dotted, p) {
			return true
		}
	}
	return false
}

// String renders the list back in its ";"-separated form.
func (l IgnoreList) String() string {
	return strings.Join(l, ";")
}
