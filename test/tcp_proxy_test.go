package tests

import (
	"bufio"
	"fmt"
	"net"
	"testing"
)

func TestTCPProxy_Echo(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer func() { _ = ln.Close() }()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	port := freePort(t)
	gatewayAddr := fmt.Sprintf("127.0.0.1:%d", port)
	configFile := writeConfig(t, t.TempDir(), fmt.Sprintf(`
- listen_port: %d
  protocol: tcp
  timeouts: { idle: 30s }
  routes:
    - cluster: { backends: [ "tcp://%s" ] }
`, port, ln.Addr()))

	startGateway(t, nil, false, "--config", configFile, "--admin-port", fmt.Sprint(freePort(t)), "--watch=false")
	waitForPort(t, gatewayAddr)

	conn, err := net.Dial("tcp", gatewayAddr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer func() { _ = conn.Close() }()

	msg := "hello tcp proxy\n"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != msg {
		t.Errorf("want %q, got %q", msg, got)
	}
}
