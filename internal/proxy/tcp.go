package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// peekedConn replays the bytes already consumed while sniffing a
// ClientHello before falling through to the underlying connection, so a
// caller that only peeked sees an untouched byte stream.
type peekedConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(b)
	}
	return c.Conn.Read(b)
}

// peekClientHelloSNI reads exactly one TLS record off conn, extracts the
// ClientHello's server_name extension, and returns a connection that
// replays those bytes verbatim to the next reader — either the TLS
// termination handshake or the passthrough dialer, neither of which can
// tell the difference from a conn that was never peeked.
//
// No example in the dependency pack carries an SNI-sniffing library, so the
// parse below is hand-rolled against RFC 8446 §4's record and ClientHello
// layout (record header, handshake header, legacy fields, session id,
// cipher suites, compression methods, extensions, SNI extension). It reads
// only; it never terminates or re-wraps the TLS session itself.
func peekClientHelloSNI(conn net.Conn, timeout time.Duration) (sni string, wrapped net.Conn, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", nil, err
	}
	if header[0] != recordTypeHandshake {
		return "", nil, errors.New("not a TLS handshake record")
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen <= 0 || recordLen > 1<<16 {
		return "", nil, errors.New("invalid record length")
	}

	body := make([]byte, recordLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return "", nil, err
	}
	prefix := append(append([]byte{}, header...), body...)

	sni, err = parseClientHelloSNI(body)
	if err != nil {
		// No readable server_name (e.g. a client that sends no SNI): the
		// connection still goes on to the TLS handshake with an empty sni,
		// where GetCertificate answers with the fallback certificate.
		sni = ""
	}
	return sni, &peekedConn{Conn: conn, prefix: bytes.NewReader(prefix)}, nil
}

// passthroughPump dials addr and pumps conn's bytes bidirectionally without
// any TLS involvement from this process — the route_type=tls custom route
// case (§4.8), where the edge never sees plaintext.
func passthroughPump(conn net.Conn, addr string, logger *zap.Logger) {
	defer conn.Close()

	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		logger.Warn("tls passthrough: dial failed", zap.String("address", addr), zap.Error(err))
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go pump(upstream, conn, done)
	go pump(conn, upstream, done)
	<-done
	<-done
}

func pump(dst io.Writer, src io.Reader, done chan<- struct{}) {
	_, _ = io.Copy(dst, src)
	if c, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
	done <- struct{}{}
}

const (
	recordTypeHandshake = 0x16
	handshakeTypeClient = 0x01
	extensionServerName = 0x0000
)

func parseClientHelloSNI(body []byte) (string, error) {
	r := bytes.NewReader(body)

	var handshakeHeader [4]byte
	if _, err := io.ReadFull(r, handshakeHeader[:]); err != nil {
		return "", err
	}
	if handshakeHeader[0] != handshakeTypeClient {
		return "", errors.New("not a ClientHello")
	}

	if err := skip(r, 2); err != nil { // legacy_version
		return "", err
	}
	if err := skip(r, 32); err != nil { // random
		return "", err
	}
	if err := skipLengthPrefixed(r, 1); err != nil { // legacy_session_id
		return "", err
	}
	if err := skipLengthPrefixed(r, 2); err != nil { // cipher_suites
		return "", err
	}
	if err := skipLengthPrefixed(r, 1); err != nil { // legacy_compression_methods
		return "", err
	}

	extTotalLen, err := readUint(r, 2)
	if err != nil {
		return "", err
	}
	extensions := make([]byte, extTotalLen)
	if _, err := io.ReadFull(r, extensions); err != nil {
		return "", err
	}

	return extractSNI(extensions)
}

func extractSNI(extensions []byte) (string, error) {
	r := bytes.NewReader(extensions)
	for r.Len() > 0 {
		extType, err := readUint(r, 2)
		if err != nil {
			return "", err
		}
		extLen, err := readUint(r, 2)
		if err != nil {
			return "", err
		}
		extBody := make([]byte, extLen)
		if _, err := io.ReadFull(r, extBody); err != nil {
			return "", err
		}
		if extType != extensionServerName {
			continue
		}
		return parseServerNameList(extBody)
	}
	return "", errors.New("no server_name extension present")
}

func parseServerNameList(body []byte) (string, error) {
	r := bytes.NewReader(body)
	if _, err := readUint(r, 2); err != nil { // server_name_list length
		return "", err
	}
	for r.Len() > 0 {
		nameType, err := readUint(r, 1)
		if err != nil {
			return "", err
		}
		nameLen, err := readUint(r, 2)
		if err != nil {
			return "", err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return "", err
		}
		if nameType == 0x00 { // host_name
			return string(name), nil
		}
	}
	return "", errors.New("server_name_list had no host_name entry")
}

func skip(r *bytes.Reader, n int) error {
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}

func skipLengthPrefixed(r *bytes.Reader, lenBytes int) error {
	n, err := readUint(r, lenBytes)
	if err != nil {
		return err
	}
	return skip(r, int(n))
}

func readUint(r *bytes.Reader, size int) (int, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	var v int
	for _, b := range buf {
		v = v<<8 | int(b)
	}
	return v, nil
}
