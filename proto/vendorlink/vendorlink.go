// Package vendorlink is the gRPC service definition for the bench harness's
// simulated vendor bulk-transfer link: a single bidirectional-streaming
// RPC that carries the same at-most-64-byte frames the real USB bulk
// endpoint would. It is hand-written in the exact shape protoc-gen-go-grpc
// emits for a bidi-streaming method (ServiceDesc/StreamDesc plus thin
// client/server wrapper types), using the protobuf library's well-known
// BytesValue message as the wire type rather than a custom compiled
// message, since the frame itself has no structure beyond its bytes.
package vendorlink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "vendorlink.BulkTransfer"

// BulkTransferClient is the client API for the BulkTransfer service.
type BulkTransferClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (BulkTransfer_StreamClient, error)
}

type bulkTransferClient struct {
	cc grpc.ClientConnInterface
}

// NewBulkTransferClient constructs a BulkTransferClient over cc.
func NewBulkTransferClient(cc grpc.ClientConnInterface) BulkTransferClient {
	return &bulkTransferClient{cc: cc}
}

func (c *bulkTransferClient) Stream(ctx context.Context, opts ...grpc.CallOption) (BulkTransfer_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], serviceName+"/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &bulkTransferStreamClient{stream}, nil
}

// BulkTransfer_StreamClient is the client-side handle on the Stream RPC.
type BulkTransfer_StreamClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type bulkTransferStreamClient struct{ grpc.ClientStream }

func (s *bulkTransferStreamClient) Send(m *wrapperspb.BytesValue) error {
	return s.ClientStream.SendMsg(m)
}

func (s *bulkTransferStreamClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BulkTransferServer is the server API for the BulkTransfer service.
type BulkTransferServer interface {
	Stream(BulkTransfer_StreamServer) error
}

// BulkTransfer_StreamServer is the server-side handle on the Stream RPC.
type BulkTransfer_StreamServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type bulkTransferStreamServer struct{ grpc.ServerStream }

func (s *bulkTransferStreamServer) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

func (s *bulkTransferStreamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterBulkTransferServer registers srv with s.
func RegisterBulkTransferServer(s grpc.ServiceRegistrar, srv BulkTransferServer) {
	s.RegisterService(&serviceDesc, srv)
}

func bulkTransferStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BulkTransferServer).Stream(&bulkTransferStreamServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BulkTransferServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       bulkTransferStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "vendorlink.proto",
}
