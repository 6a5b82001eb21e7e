// Package goroutineid exposes the runtime's identifier for the calling
// goroutine, as used to detect reentrant calls from an event loop.
package goroutineid

import (
	"runtime"
)

// Get returns the current goroutine's ID, parsed from the header line of
// runtime.Stack, or 0 if it could not be determined.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = `goroutine `
	if n <= len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id uint64
	for i := len(prefix); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
