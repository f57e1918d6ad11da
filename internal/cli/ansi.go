// pattern: Functional Core
package cli

import "github.com/charmbracelet/x/ansi"

// StripANSI removes escape sequences so captured pane text is plain.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// visualWidth is the terminal cell width of s, ignoring escape
// sequences and counting wide runes as two cells.
func visualWidth(s string) int {
	return ansi.StringWidth(s)
}
