// Package link implements board.VendorLink over the bench harness's
// simulated gRPC BulkTransfer stream, standing in for the real USB vendor
// bulk endpoint so internal/configendpoint can be exercised end to end
// without a USB stack (out of scope, spec.md §1). Grounded on the
// teacher's internal/transport (gRPC client dial/reconnect shape) and
// internal/server/grpc (server-side stream handler shape).
package link

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rpkgo/firmware/proto/vendorlink"
)

// ClientLink is the host-side half of the simulated vendor link: it dials
// the bench server and exchanges frames as a BulkTransfer client stream.
// It implements board.VendorLink from the perspective of a test driver
// acting as the config-upload host.
type ClientLink struct {
	conn   *grpc.ClientConn
	stream vendorlink.BulkTransfer_StreamClient
}

// DialClientLink connects to addr and opens the BulkTransfer stream.
func DialClientLink(ctx context.Context, addr string) (*ClientLink, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}

	client := vendorlink.NewBulkTransferClient(conn)
	stream, err := client.Stream(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: open stream: %w", err)
	}

	return &ClientLink{conn: conn, stream: stream}, nil
}

// Recv implements board.VendorLink.
func (c *ClientLink) Recv(ctx context.Context) ([]byte, error) {
	m, err := c.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("link: recv: %w", err)
	}
	return m.GetValue(), nil
}

// Send implements board.VendorLink.
func (c *ClientLink) Send(ctx context.Context, frame []byte) error {
	if err := c.stream.Send(wrapperspb.Bytes(frame)); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}
	return nil
}

// Close tears down the underlying connection.
func (c *ClientLink) Close() error {
	return c.conn.Close()
}

// ServerLink is the device-side half of the simulated vendor link: it
// wraps one incoming BulkTransfer server stream and is handed to
// internal/configendpoint as its board.VendorLink.
type ServerLink struct {
	stream vendorlink.BulkTransfer_StreamServer
}

// NewServerLink wraps stream as a board.VendorLink.
func NewServerLink(stream vendorlink.BulkTransfer_StreamServer) *ServerLink {
	return &ServerLink{stream: stream}
}

// Recv implements board.VendorLink.
func (s *ServerLink) Recv(ctx context.Context) ([]byte, error) {
	m, err := s.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("link: recv: %w", err)
	}
	return m.GetValue(), nil
}

// Send implements board.VendorLink.
func (s *ServerLink) Send(ctx context.Context, frame []byte) error {
	if err := s.stream.Send(wrapperspb.Bytes(frame)); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}
	return nil
}

// Server implements vendorlink.BulkTransferServer, handing each incoming
// device stream to Accept's caller as a ServerLink. It places no limit on
// how many streams are open at once. Mirrors the teacher's grpc.Server wiring a single
// long-lived handler rather than per-request state.
type Server struct {
	accept chan *ServerLink
}

// NewServer constructs a Server. Call Accept to retrieve each incoming
// connection's ServerLink in turn.
func NewServer() *Server {
	return &Server{accept: make(chan *ServerLink, 1)}
}

// Accept blocks until a device stream connects or ctx is done.
func (s *Server) Accept(ctx context.Context) (*ServerLink, error) {
	select {
	case l := <-s.accept:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream implements vendorlink.BulkTransferServer: it publishes the
// incoming stream to Accept and then blocks for the stream's lifetime,
// since the gRPC runtime tears down the stream as soon as this method
// returns.
func (s *Server) Stream(stream vendorlink.BulkTransfer_StreamServer) error {
	link := NewServerLink(stream)
	select {
	case s.accept <- link:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	<-stream.Context().Done()
	return stream.Context().Err()
}
