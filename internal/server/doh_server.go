package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/hydracore/internal/dns"
)

const (
	dnsMessageContentType = "application/dns-message"
	dnsJSONContentType    = "application/dns-json"
	maxDoHBodySize        = dns.MaxIncomingDNSMessageSize
)

// DoHServer serves DNS-over-HTTPS on the wire-format and JSON endpoints,
// delegating every query to the same QueryHandler the UDP/TCP listeners use.
//
// Goroutine model: *http.Server's own accept-and-handle loop; each request
// runs on its own goroutine, same as net/http always does, with no
// additional pooling layered on top.
type DoHServer struct {
	Logger  *slog.Logger
	Handler *QueryHandler

	CertFile string
	KeyFile  string

	srv *http.Server
}

func (s *DoHServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/dns-query", s.handleGet)
	r.POST("/dns-query", s.handlePost)
	return r
}

func wantsJSON(c *gin.Context) bool {
	return c.GetHeader("Accept") == dnsJSONContentType || c.Query("name") != ""
}

// Run starts the TLS listener and blocks until ctx is cancelled.
func (s *DoHServer) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.srv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return s.Stop(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTPS listener.
func (s *DoHServer) Stop(timeout time.Duration) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleGet serves RFC 8484 GET requests: a base64url `dns` query parameter
// carrying the wire-format message. If the client instead asks for
// application/dns-json (or passes the alternate name/type query params),
// it is routed to the JSON API.
func (s *DoHServer) handleGet(c *gin.Context) {
	if wantsJSON(c) {
		s.handleJSON(c)
		return
	}

	raw := c.Query("dns")
	if raw == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	msg, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.serve(c, msg)
}

// handlePost serves RFC 8484 POST requests: the wire-format message is the
// raw request body.
func (s *DoHServer) handlePost(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDoHBodySize))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.serve(c, body)
}

func (s *DoHServer) serve(c *gin.Context, msg []byte) {
	result := s.Handler.Handle(c.Request.Context(), "doh", c.ClientIP(), msg)
	status := statusForSource(result)
	c.Data(status, dnsMessageContentType, result.ResponseBytes)
}

// handleJSON serves the alternate application/dns-json API: ?name=&type=
// query parameters in, a JSON-translated answer set out. This mirrors the
// RFC 8484 "optional JSON alternate" named in the wire protocol surface,
// distinct from the JSON mode the pipeline's upstream selector may itself
// speak to its own upstreams.
func (s *DoHServer) handleJSON(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	qtype := uint16(dns.TypeA)
	if t := c.Query("type"); t != "" {
		if mnemonic, ok := typeFromMnemonic(t); ok {
			qtype = mnemonic
		}
	}

	req := dns.Packet{
		Header:    dns.Header{ID: 0, Flags: dns.RDFlag, QDCount: 1},
		Questions: []dns.Question{{Name: name, Type: qtype, Class: uint16(dns.ClassIN)}},
	}
	wire, err := req.Marshal()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	result := s.Handler.Handle(c.Request.Context(), "doh-json", c.ClientIP(), wire)
	if !result.ParsedOK {
		c.Status(http.StatusBadRequest)
		return
	}
	resp, err := dns.ParsePacket(result.ResponseBytes)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, jsonResponseFromPacket(resp))
}

func statusForSource(result HandleResult) int {
	if !result.ParsedOK {
		return http.StatusBadRequest
	}
	switch result.Source {
	case "servfail", "timeout", "shutdown", "upstream-error":
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
