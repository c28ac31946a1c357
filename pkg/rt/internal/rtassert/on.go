//go:build rtassert

package rtassert

import "fmt"

// Enabled reports whether assertions are compiled in.
const Enabled = true

// Failf panics with a formatted assertion message.
func Failf(format string, args ...any) {
	panic("rtassert: " + fmt.Sprintf(format, args...))
}
