package server

import (
	"net"
	"testing"
)

func TestListen_SecondListenerCanReusePort(t *testing.T) {
	ln1, err := listen(0)
	if err != nil {
		t.Fatalf("first listen() error = %v", err)
	}
	defer ln1.Close()

	port := ln1.Addr().(*net.TCPAddr).Port

	// Both sockets set SO_REUSEPORT, so a second listener on the very same
	// port must succeed rather than fail with "address already in use".
	ln2, err := listen(port)
	if err != nil {
		t.Fatalf("second listen() error = %v", err)
	}
	defer ln2.Close()
}
