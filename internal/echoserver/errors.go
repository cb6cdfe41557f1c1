package echoserver

import (
	"errors"
	"net"
	"strings"
)

// isClosedErr mirrors tools/twamp/pkg/light/reflector_basic.go's helper:
// net.ErrClosed doesn't always unwrap cleanly once wrapped by the
// platform's net package, so the string check is kept as a fallback.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
