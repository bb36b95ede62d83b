// Package utils holds small helpers shared by the search providers.
package utils

import (
	"fmt"
	"strings"
)

// UrlQuery makes a search term usable as a URL query value.
func UrlQuery(s string) string { return strings.ReplaceAll(s, " ", "+") }

// Str renders an arbitrary JSON-decoded value as a string, nil as empty.
func Str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
