// Package lists parses the comma separated host, task and dataset lists of
// the configuration file and command line.
package lists

import "strings"

// Normalize trims every entry, drops empty ones and keeps the first of any
// duplicates, preserving order. Host failover order depends on that.
func Normalize(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// ParseComma splits a comma separated value and normalizes the entries.
func ParseComma(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	return Normalize(strings.Split(input, ","))
}
