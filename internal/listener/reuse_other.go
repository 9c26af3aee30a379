//go:build !unix

package listener

import "syscall"

// reuseAddrControl leaves socket options to the runtime on platforms where
// SO_REUSEADDR would allow two live listeners on one port.
func reuseAddrControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
