package cluster

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

// migrationServiceName names the gRPC service the Migration Engine uses to
// push individual keys to a target node during a slot migration (spec.md
// §4.9). Hand-rolled against grpc.ServiceDesc with a gob payload, the same
// shape as the replication package's Sync stream, since this too is an
// internal node-to-node call rather than a public API surface.
const migrationServiceName = "garnet.Migration"

type setKeyRequest struct {
	Slot int
	KeyValue
}

type setKeyResponse struct {
	Err string
}

var migrationServiceDesc = grpc.ServiceDesc{
	ServiceName: migrationServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SetKey",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := new(setKeyRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				handler := srv.(TargetClient)
				resp := &setKeyResponse{}
				if err := handler.SetKey(ctx, req.KeyValue); err != nil {
					resp.Err = err.Error()
				}
				return resp, nil
			},
		},
	},
}

// gobCodec mirrors pkg/replication's wire codec: these messages never leave
// the cluster, so gob keeps the RPC free of a protoc step.
type gobCodec struct{}

func init() { encoding.RegisterCodec(gobCodec{}) }

func (gobCodec) Name() string { return "gob-cluster" }
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

// MigrationServer hosts the import side of a slot migration: it applies
// incoming SetKey calls directly against the local store via target.
type MigrationServer struct {
	grpcServer *grpc.Server
	listener   net.Listener
	log        zerolog.Logger
}

// NewMigrationServer wraps an already-listening socket, dispatching SetKey
// calls to target (normally a *Store-backed TargetClient implementation).
func NewMigrationServer(lis net.Listener, target TargetClient, log zerolog.Logger) *MigrationServer {
	gs := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	gs.RegisterService(&migrationServiceDesc, target)
	return &MigrationServer{grpcServer: gs, listener: lis, log: log}
}

func (s *MigrationServer) Serve() error { return s.grpcServer.Serve(s.listener) }
func (s *MigrationServer) Stop()        { s.grpcServer.GracefulStop() }

// grpcTargetClient is the Migration Engine's TargetClient for pushing keys
// to a remote node over the migration RPC.
type grpcTargetClient struct {
	conn *grpc.ClientConn
}

// DialTarget opens a connection to a remote node's migration endpoint.
func DialTarget(addr string) (TargetClient, func() error, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodec{}.Name())),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: dial migration target %s: %w", addr, err)
	}
	return &grpcTargetClient{conn: conn}, conn.Close, nil
}

func (c *grpcTargetClient) SetKey(ctx context.Context, kv KeyValue) error {
	req := &setKeyRequest{KeyValue: kv}
	resp := new(setKeyResponse)
	if err := c.conn.Invoke(ctx, fmt.Sprintf("/%s/SetKey", migrationServiceName), req, resp); err != nil {
		return status.Errorf(codes.Unavailable, "cluster: migration SetKey: %v", err)
	}
	if resp.Err != "" {
		return fmt.Errorf("cluster: remote SetKey failed: %s", resp.Err)
	}
	return nil
}
