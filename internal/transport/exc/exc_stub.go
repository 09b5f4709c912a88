//go:build !windows || !(amd64 || arm64)

package exc

// The exception/debugger primitives are Windows-only; other platforms
// get the Loopback substitute.

func newEmitter(signature uint32) (Emitter, error) {
	return nil, ErrUnsupported
}

func newDebugger() (Debugger, error) {
	return nil, ErrUnsupported
}
