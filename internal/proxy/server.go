package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// sniRoutingListener wraps the raw port-443 listener and splits incoming
// connections before any TLS termination happens: a ClientHello whose SNI
// matches a route_type=tls custom route is pumped upstream as raw bytes
// (§4.8 S4); everything else is handed to the caller (the TLS handshake)
// untouched aside from the peek.
type sniRoutingListener struct {
	net.Listener
	pipeline *Pipeline
	logger   *zap.Logger
}

func (l *sniRoutingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		sni, peeked, err := peekClientHelloSNI(conn, 5*time.Second)
		if err != nil {
			conn.Close()
			continue
		}

		if resolution, ok := l.pipeline.ResolveSNI(sni); ok {
			go passthroughPump(peeked, resolution.Address, l.logger)
			continue
		}

		return peeked, nil
	}
}

// ServeHTTPS runs the TLS-terminating data-plane listener on ln: SNI-routed
// passthrough ahead of termination, ALPN negotiation for h2/http1.1, and the
// request pipeline behind both. It blocks until ln is closed (by Shutdown or
// an unrecoverable accept error).
func ServeHTTPS(ln net.Listener, pipeline *Pipeline, certManager *CertManager, logger *zap.Logger, readTimeout, writeTimeout time.Duration) *http.Server {
	tlsConfig := &tls.Config{
		GetCertificate: certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}

	routed := &sniRoutingListener{Listener: ln, pipeline: pipeline, logger: logger}
	tlsListener := tls.NewListener(routed, tlsConfig)

	srv := &http.Server{
		Handler:      pipeline,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	// ListenAndServeTLS configures ALPN/h2 automatically; building the
	// listener by hand for the SNI-routing split above means http2 support
	// has to be wired in explicitly instead.
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		logger.Fatal("configure http2", zap.Error(err))
	}

	go func() {
		if err := srv.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			logger.Error("https listener stopped", zap.Error(err))
		}
	}()
	return srv
}

// ServeHTTP80 runs the plain-HTTP listener on port 80: it answers ACME
// HTTP-01 challenges directly and redirects every other request to https,
// per §4.8's classify step and §6's external interface for TCP 80.
func ServeHTTP80(addr string, pipeline *Pipeline, logger *zap.Logger, readTimeout, writeTimeout time.Duration) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(pipeline.servePlainHTTP),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listener stopped", zap.Error(err))
		}
	}()
	return srv
}
