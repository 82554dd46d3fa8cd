package replication

import (
	"context"
	"errors"
)

// grpcSender adapts a primary-side ReplicationStream to ReplicaSender.
type grpcSender struct {
	stream ReplicationStream
}

func (s *grpcSender) Send(_ context.Context, b Batch) error {
	return s.stream.Send(&wireEnvelope{Batch: &b})
}

func (s *grpcSender) RecvAck(_ context.Context) (Ack, error) {
	env, err := s.stream.Recv()
	if err != nil {
		return Ack{}, err
	}
	if env.Err != "" {
		return Ack{}, errors.New(env.Err)
	}
	if env.Ack == nil {
		return Ack{}, errors.New("replication: expected ack envelope")
	}
	return *env.Ack, nil
}

func (s *grpcSender) Close() error { return nil }

// ServePrimary builds the stream handler a primary's Server dispatches every
// incoming Sync stream to: it performs the handshake, hands the stream to
// ts.TryConnect, and blocks until the resulting task finishes.
func ServePrimary(ts *TaskStore, mainMemoryReplication bool) StreamHandler {
	return func(stream ReplicationStream) error {
		env, err := stream.Recv()
		if err != nil {
			return err
		}
		if env.Req == nil {
			return streamErr("replication: expected sync request as first message")
		}

		task, err := ts.TryConnect(context.Background(), *env.Req, &grpcSender{stream: stream}, mainMemoryReplication)
		if err != nil {
			var reject *SyncReject
			msg := err.Error()
			if errors.As(err, &reject) {
				msg = reject.Reason
			}
			_ = stream.Send(&wireEnvelope{Err: msg})
			return streamErr("%s", msg)
		}

		<-task.done
		return nil
	}
}

// grpcPrimaryConn adapts a replica-side ReplicationStream to PrimaryConn.
type grpcPrimaryConn struct {
	stream ReplicationStream
	closer func() error
}

// DialPrimary opens a sync connection to addr and returns a PrimaryConn ready
// for (*Replica).Run to drive.
func DialPrimary(ctx context.Context, addr string) (PrimaryConn, error) {
	stream, closer, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &grpcPrimaryConn{stream: stream, closer: closer}, nil
}

func (c *grpcPrimaryConn) Open(_ context.Context, req SyncRequest) error {
	return c.stream.Send(&wireEnvelope{Req: &req})
}

func (c *grpcPrimaryConn) RecvBatch(_ context.Context) (Batch, error) {
	env, err := c.stream.Recv()
	if err != nil {
		return Batch{}, err
	}
	if env.Err != "" {
		return Batch{}, &ResyncRequired{PrimaryReplicationID: env.Err}
	}
	if env.Batch == nil {
		return Batch{}, errors.New("replication: expected batch envelope")
	}
	return *env.Batch, nil
}

func (c *grpcPrimaryConn) SendAck(_ context.Context, ack Ack) error {
	return c.stream.Send(&wireEnvelope{Ack: &ack})
}

func (c *grpcPrimaryConn) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
