package proxy

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func buildClientHelloBody(serverName string) []byte {
	var body []byte

	appendUint := func(v, size int) {
		buf := make([]byte, size)
		for i := size - 1; i >= 0; i-- {
			buf[i] = byte(v)
			v >>= 8
		}
		body = append(body, buf...)
	}

	nameList := []byte{0x00} // host_name type
	nameList = append(nameList, byte(len(serverName)>>8), byte(len(serverName)))
	nameList = append(nameList, []byte(serverName)...)
	sniListWithLen := append([]byte{byte(len(nameList) >> 8), byte(len(nameList))}, nameList...)

	sniExt := append([]byte{0x00, 0x00}, byte(len(sniListWithLen)>>8), byte(len(sniListWithLen)))
	sniExt = append(sniExt, sniListWithLen...)

	extensions := sniExt

	appendUint(int(handshakeTypeClient), 1)
	appendUint(0, 3) // handshake length placeholder, fixed below
	appendUint(0x0303, 2) // legacy_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00) // empty session id
	body = append(body, 0x00, 0x02, 0x13, 0x01) // one cipher suite
	body = append(body, 0x01, 0x00) // compression methods: null
	body = append(body, byte(len(extensions)>>8), byte(len(extensions)))
	body = append(body, extensions...)

	handshakeLen := len(body) - 4
	body[1] = byte(handshakeLen >> 16)
	body[2] = byte(handshakeLen >> 8)
	body[3] = byte(handshakeLen)

	return body
}

func TestParseClientHelloSNI(t *testing.T) {
	body := buildClientHelloBody("app.example.test")

	sni, err := parseClientHelloSNI(body)
	if err != nil {
		t.Fatalf("parseClientHelloSNI: %v", err)
	}
	if sni != "app.example.test" {
		t.Errorf("sni = %q, want app.example.test", sni)
	}
}

func TestPeekClientHelloSNI_ReplaysConsumedBytes(t *testing.T) {
	body := buildClientHelloBody("peek.example.test")
	record := make([]byte, 5+len(body))
	record[0] = recordTypeHandshake
	record[1], record[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(record[3:5], uint16(len(body)))
	copy(record[5:], body)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		_, _ = clientConn.Write(record)
	}()

	sni, wrapped, err := peekClientHelloSNI(serverConn, 2*time.Second)
	if err != nil {
		t.Fatalf("peekClientHelloSNI: %v", err)
	}
	if sni != "peek.example.test" {
		t.Fatalf("sni = %q, want peek.example.test", sni)
	}

	replayed := make([]byte, len(record))
	if _, err := readFull(wrapped, replayed); err != nil {
		t.Fatalf("read replayed bytes: %v", err)
	}
	for i := range record {
		if replayed[i] != record[i] {
			t.Fatalf("replayed byte %d = %x, want %x", i, replayed[i], record[i])
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
