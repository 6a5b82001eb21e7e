//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

func currentThreadID() int {
	return unix.Gettid()
}
