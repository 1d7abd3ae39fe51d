package link_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	benchlink "github.com/rpkgo/firmware/internal/bench/link"
	"github.com/rpkgo/firmware/proto/vendorlink"
)

func startServer(t *testing.T) (addr string, bl *benchlink.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	bl = benchlink.NewServer()
	gs := grpc.NewServer()
	vendorlink.RegisterBulkTransferServer(gs, bl)

	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	return lis.Addr().String(), bl
}

func TestClientServerLink_RoundTripsFramesBothWays(t *testing.T) {
	addr, bl := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := benchlink.DialClientLink(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	serverSide, err := bl.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, []byte{0x01, 0x02, 0x03}))
	frame, err := serverSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, frame)

	require.NoError(t, serverSide.Send(ctx, []byte{0xaa, 0xbb}))
	reply, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, reply)
}

func TestServer_AcceptRespectsContextCancellation(t *testing.T) {
	bl := benchlink.NewServer()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bl.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
