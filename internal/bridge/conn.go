package bridge

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// wsConn adapts a websocket to net.Conn so yamux can run over it. Each
// websocket message is a chunk of the byte stream.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader
	// gorilla allows one concurrent writer.
	wmu sync.Mutex
}

// NewConn wraps ws as a net.Conn.
func NewConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// SecretHeader carries the shared relay secret in gRPC metadata.
const SecretHeader = "x-bridge-secret"

const (
	serviceName = "pitstop.bridge.Relay"
	connectPath = "/" + serviceName + "/Connect"
)

// RelayServer is implemented by the relay side of the stream.
type RelayServer interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc registers a RelayServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(RelayServer).Connect(stream) },
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// msgStream is the common half of grpc.ClientStream and grpc.ServerStream.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Stream sends and receives Events. Send is safe for concurrent use.
type Stream struct {
	s  msgStream
	mu sync.Mutex
}

func NewStream(s msgStream) *Stream { return &Stream{s: s} }

func (s *Stream) Send(e Event) error {
	msg, err := e.encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.SendMsg(msg)
}

func (s *Stream) Recv() (Event, error) {
	var msg structpb.Struct
	if err := s.s.RecvMsg(&msg); err != nil {
		return Event{}, err
	}
	return decode(&msg)
}

// dialer opens yamux streams for gRPC.
func dialer(open func() (net.Conn, error)) func(context.Context, string) (net.Conn, error) {
	return func(context.Context, string) (net.Conn, error) { return open() }
}
