// Package proxy is the forward-proxy front-end. It intercepts plain and
// CONNECT-tunneled HTTPS traffic with goproxy and answers every request with
// the response the browser captured for it.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/security"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// maxBodySize bounds the request body read into memory.
const maxBodySize = 32 << 20

// Handler reproduces one proxied request.
type Handler interface {
	Handle(ctx context.Context, req *types.ProxiedRequest) *types.CapturedResponse
}

// Server is an http.Handler that acts as a MITM forward proxy.
type Server struct {
	cfg       *config.Config
	handler   Handler
	proxy     *goproxy.ProxyHttpServer
	tlsConfig func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
}

// zerologPrinter routes goproxy's own diagnostics to the debug log.
type zerologPrinter struct{}

func (zerologPrinter) Printf(format string, v ...any) {
	log.Debug().Str("component", "goproxy").Msgf(format, v...)
}

// New creates the proxy front-end. local serves requests addressed to the
// listener itself rather than proxied through it.
func New(cfg *config.Config, handler Handler, local http.Handler) (*Server, error) {
	ca := goproxy.GoproxyCa
	if cfg.HasCustomCA() {
		loaded, err := LoadCA(cfg.CACertPath, cfg.CAKeyPath)
		if err != nil {
			return nil, err
		}
		ca = *loaded
	}

	p := goproxy.NewProxyHttpServer()
	p.Verbose = false
	p.Logger = zerologPrinter{}
	if local != nil {
		p.NonproxyHandler = local
	}

	s := &Server{cfg: cfg, handler: handler, proxy: p, tlsConfig: goproxy.TLSConfigFromCA(&ca)}

	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectHijack, Hijack: s.serveTunnel}
	p.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return mitm, host
	}))
	p.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

// handleRequest answers a plain-HTTP proxied request.
func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	return r, s.respond(r, wireOrder(r))
}

// serveTunnel terminates TLS on a CONNECT tunnel with a certificate signed
// for the target host and answers each request read from it. Requests are
// read here rather than by goproxy so the header order can be recorded from
// the decrypted stream.
func (s *Server) serveTunnel(r *http.Request, client net.Conn, ctx *goproxy.ProxyCtx) {
	defer client.Close()

	if _, err := io.WriteString(client, "HTTP/1.0 200 OK\r\n\r\n"); err != nil {
		return
	}
	tlsConfig, err := s.tlsConfig(r.URL.Host, ctx)
	if err != nil {
		log.Warn().Err(err).Str("host", r.URL.Host).Msg("Cannot sign MITM certificate")
		return
	}

	conn := tls.Server(client, tlsConfig)
	defer conn.Close()
	if err := conn.HandshakeContext(r.Context()); err != nil {
		log.Debug().Err(err).Str("host", r.URL.Host).Msg("MITM handshake failed")
		return
	}
	state := conn.ConnectionState()

	rec := &headerRecorder{}
	br := bufio.NewReader(io.TeeReader(conn, rec))
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("host", r.URL.Host).Msg("Cannot read tunneled request")
			}
			return
		}

		host := req.Host
		if host == "" {
			host = strings.TrimSuffix(r.URL.Host, ":443")
		}
		req.URL.Scheme = "https"
		req.URL.Host = host
		req.RemoteAddr = r.RemoteAddr
		req.TLS = &state

		resp := s.respond(req, rec.next(req.Method, req.RequestURI))
		err = resp.Write(conn)
		resp.Body.Close()
		if err != nil || resp.Close || req.Close {
			return
		}
	}
}

// respond answers an intercepted request without contacting the origin: the
// response always comes from the browser.
func (s *Server) respond(r *http.Request, names []string) *http.Response {
	req, err := toProxiedRequest(r, names)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		log.Warn().Err(err).Str("url", security.RedactURL(r.URL.String())).Msg("Rejected proxied request")
		degraded := types.Degraded(s.cfg.ErrorHeaderName, err.Error())
		degraded.StatusCode = status
		resp := toHTTPResponse(r, degraded)
		resp.Close = true
		return resp
	}

	return toHTTPResponse(r, s.handler.Handle(r.Context(), req))
}

// LoadCA loads the certificate authority used to sign per-host MITM
// certificates.
func LoadCA(certPath, keyPath string) (*tls.Certificate, error) {
	ca, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load CA key pair: %w", err)
	}
	if len(ca.Certificate) == 0 {
		return nil, errors.New("CA certificate chain is empty")
	}
	if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !ca.Leaf.IsCA {
		log.Warn().Str("subject", ca.Leaf.Subject.String()).Msg("Configured MITM certificate is not marked as a CA")
	}
	return &ca, nil
}
