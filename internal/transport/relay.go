package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/net/websocket"
)

const relayALPN = "meshvpn-relay"

// DialWebsocketRelay connects to a websocket relay and returns it as a
// packet conn. The relay stream only carries already-encrypted mesh
// datagrams, so the outer channel adds no trust.
func DialWebsocketRelay(url string) (net.PacketConn, error) {
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return nil, fmt.Errorf("dial websocket relay %s: %w", url, err)
	}
	// Binary frames; the framing layer does its own lengths.
	ws.PayloadType = websocket.BinaryFrame
	return NewStreamPacketConn(ws, ws.LocalAddr()), nil
}

// DialQUICRelay connects to a QUIC relay and opens its single stream.
func DialQUICRelay(ctx context.Context, addr string) (net.PacketConn, error) {
	tlsConf := &tls.Config{
		// The relay is an untrusted byte pipe; everything inside is
		// AEAD-protected end to end.
		InsecureSkipVerify: true,
		NextProtos:         []string{relayALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("dial quic relay %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open quic relay stream: %w", err)
	}
	return NewStreamPacketConn(&quicStream{Stream: stream, conn: conn}, conn.LocalAddr()), nil
}

// quicStream ties the connection's lifetime to the stream's.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	_ = s.conn.CloseWithError(0, "closed")
	return err
}

var _ io.ReadWriteCloser = (*quicStream)(nil)
