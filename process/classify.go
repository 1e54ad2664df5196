package process

import "strings"

// fatalStartupPatterns are stderr fragments that mean retrying the same
// invocation is futile: the device is missing, claimed by someone else, or
// the USB stack is refusing us.
var fatalStartupPatterns = []string{
	"no supported devices found",
	"no hackrf boards found",
	"failed to open",
	"usb_open error",
	"usb error",
	"resource busy",
	"permission denied",
	"hackrf_open() failed",
	"hackrf_start_rx() failed",
}

// ClassifyStartupError reports whether a captured stderr line matches a
// known-fatal startup failure.
func ClassifyStartupError(line string) bool {
	l := strings.ToLower(line)
	for _, p := range fatalStartupPatterns {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}
