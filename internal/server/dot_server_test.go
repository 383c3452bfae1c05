package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydracore/internal/dns"
)

func TestDoTServer_RoundTrip(t *testing.T) {
	responseBytes := buildTestResponse(t, "example.com", dns.TypeA)
	handler := &QueryHandler{Resolver: &mockResolver{response: responseBytes}, Timeout: time.Second}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.(*net.TCPListener).Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	certFile, keyFile := writeSelfSignedCert(t)

	s := &DoTServer{TCPServer: TCPServer{Handler: handler}, CertFile: certFile, KeyFile: keyFile}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() { _ = s.Run(ctx, addr) }()
	time.Sleep(50 * time.Millisecond)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	queryBytes := buildTestQuery(t, "example.com", dns.TypeA)
	lenPrefix := make([]byte, 2)
	binary.BigEndian.PutUint16(lenPrefix, uint16(len(queryBytes)))
	_, err = conn.Write(append(lenPrefix, queryBytes...))
	require.NoError(t, err)

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	respLen := make([]byte, 2)
	_, err = io.ReadFull(conn, respLen)
	require.NoError(t, err)

	n := binary.BigEndian.Uint16(respLen)
	resp := make([]byte, n)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	parsed, err := dns.ParsePacket(resp)
	require.NoError(t, err)
	assert.Len(t, parsed.Answers, 1)
}
