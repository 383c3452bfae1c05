package server

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"
	"time"
)

// DoTServer serves DNS-over-TLS (RFC 7858) on port 853: the same 2-byte
// length-prefixed framing as plain TCP, wrapped in a TLS listener. It
// reuses TCPServer's accept loop, per-IP connection limiting, and
// length-prefixed read/write unchanged — only the listener construction
// differs.
type DoTServer struct {
	TCPServer

	CertFile string
	KeyFile  string
}

// Run starts TLS listeners (one per CPU core, SO_REUSEPORT) and blocks
// until ctx is cancelled.
func (s *DoTServer) Run(ctx context.Context, addr string) error {
	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return err
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	s.mu.Lock()
	if s.connPerIP == nil {
		s.connPerIP = map[string]int{}
	}
	s.mu.Unlock()

	socketCount := runtime.NumCPU()
	s.listeners = make([]net.Listener, 0, socketCount)

	for range socketCount {
		ln, err := listenTCPReusePort(ctx, addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			return err
		}
		tlsLn := tls.NewListener(ln, tlsCfg)
		s.listeners = append(s.listeners, tlsLn)

		listener := tlsLn
		s.wg.Go(func() {
			s.acceptLoop(ctx, listener)
		})
	}

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}
