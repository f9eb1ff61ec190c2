package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/pkg/types"
)

// Client talks to a running scheduler over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. With no options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit submits a job and returns its id.
func (c *Client) Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	req, err := toStruct(spec)
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodSubmit, req, resp); err != nil {
		return "", fromStatus(err)
	}
	return types.JobID(stringField(resp, "job_id")), nil
}

// Cancel requests cancellation; false means the id is unknown.
func (c *Client) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	req := idRequest(id)
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodCancel, req, resp); err != nil {
		return false, fromStatus(err)
	}
	return resp.GetFields()["ok"].GetBoolValue(), nil
}

// Job fetches one job status.
func (c *Client) Job(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	var job types.JobStatus
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodGetJob, idRequest(id), resp); err != nil {
		return job, fromStatus(err)
	}
	err := fromStruct(resp, &job)
	return job, err
}

// Status fetches the cluster snapshot.
func (c *Client) Status(ctx context.Context) (types.ClusterStatus, error) {
	var st types.ClusterStatus
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodStatus, &structpb.Struct{}, resp); err != nil {
		return st, fromStatus(err)
	}
	err := fromStruct(resp, &st)
	return st, err
}

func idRequest(id types.JobID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(string(id)),
	}}
}

// fromStatus maps gRPC codes back onto the scheduler's sentinel errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w (remote: %s)", scheduler.ErrInvalidDemand, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w (remote: %s)", scheduler.ErrNotFound, st.Message())
	default:
		return err
	}
}
