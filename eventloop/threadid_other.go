//go:build !linux

package eventloop

func currentThreadID() int {
	return 0
}
