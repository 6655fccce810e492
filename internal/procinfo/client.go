package procinfo

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client reads reports from a remote procinfo service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. The connection is plaintext unless opts
// supply transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial procinfo %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Snapshot fetches the current report.
func (c *Client) Snapshot(ctx context.Context) (Report, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, snapshotMethod, &emptypb.Empty{}, out); err != nil {
		return Report{}, fmt.Errorf("procinfo snapshot: %w", err)
	}
	return FromStruct(out)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
