package replication

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// gobCodec lets the replication stream carry plain Go structs (SyncRequest,
// Batch, Ack) over gRPC without a .proto/protoc step: the wire messages here
// are internal to this one node-to-node stream, not a public API surface, so
// gob's simplicity wins over maintaining generated protobuf bindings for it.
type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// wireEnvelope tags every message flowing over the replication stream so a
// single bidirectional stream can multiplex the handshake, batches, and
// acks without per-message-type RPCs.
type wireEnvelope struct {
	Req   *SyncRequest
	Batch *Batch
	Ack   *Ack
	Err   string // non-empty marks the stream as terminally failed
}

const replicationServiceName = "garnet.Replication"

var replicationStreamDesc = grpc.StreamDesc{
	StreamName:    "Sync",
	ServerStreams: true,
	ClientStreams: true,
}

// ReplicationStream is the bidirectional channel a primary and a replica
// exchange wireEnvelopes over, satisfied by both grpc.ClientStream and
// grpc.ServerStream.
type ReplicationStream interface {
	Send(*wireEnvelope) error
	Recv() (*wireEnvelope, error)
}

type serverStream struct{ grpc.ServerStream }

func (s *serverStream) Send(e *wireEnvelope) error { return s.ServerStream.SendMsg(e) }
func (s *serverStream) Recv() (*wireEnvelope, error) {
	e := new(wireEnvelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

type clientStream struct{ grpc.ClientStream }

func (s *clientStream) Send(e *wireEnvelope) error { return s.ClientStream.SendMsg(e) }
func (s *clientStream) Recv() (*wireEnvelope, error) {
	e := new(wireEnvelope)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// StreamHandler is invoked once per incoming Sync stream on the primary.
type StreamHandler func(stream ReplicationStream) error

var serviceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(StreamHandler)(&serverStream{stream})
			},
		},
	},
}

// Server hosts the primary side of the replication service over gRPC.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	log        zerolog.Logger
}

// NewServer wraps an already-listening socket with a gRPC server dispatching
// every incoming Sync stream to handler.
func NewServer(lis net.Listener, handler StreamHandler, log zerolog.Logger) *Server {
	gs := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	gs.RegisterService(&serviceDesc, handler)
	return &Server{grpcServer: gs, listener: lis, log: log}
}

// Serve blocks accepting connections until Stop is called.
func (s *Server) Serve() error { return s.grpcServer.Serve(s.listener) }

// Stop gracefully shuts down the server, draining in-flight streams.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// Dial opens a gRPC connection to a primary's replication endpoint and opens
// one Sync stream on it.
func Dial(ctx context.Context, addr string) (ReplicationStream, func() error, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodec{}.Name())),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("replication: dial %s: %w", addr, err)
	}
	stream, err := conn.NewStream(ctx, &replicationStreamDesc, fmt.Sprintf("/%s/Sync", replicationServiceName))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("replication: open stream: %w", err)
	}
	return &clientStream{stream}, conn.Close, nil
}

// streamErr turns a protocol-level failure into a gRPC status error so the
// far side's Recv surfaces it distinctly from a transport error.
func streamErr(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}
