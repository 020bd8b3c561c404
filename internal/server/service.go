// Package server exposes the review and admin operations over gRPC. Every
// RPC takes and returns a google.protobuf.Struct, so the service
// descriptors are written by hand instead of generated.
package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcriber/internal/utils"
)

const (
	ReviewServiceName = "transcriber.v1.Review"
	AdminServiceName  = "transcriber.v1.Admin"
)

// Reviewer identity and request id travel as metadata when the request
// body does not carry them.
const (
	MetadataReviewer  = "x-reviewer"
	MetadataRequestID = "x-request-id"
)

func unary[S any](service, name string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var reviewServiceDesc = grpc.ServiceDesc{
	ServiceName: ReviewServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(ReviewServiceName, "RequestWork", (*ReviewServer).RequestWork),
		unary(ReviewServiceName, "Submit", (*ReviewServer).Submit),
		unary(ReviewServiceName, "Edit", (*ReviewServer).Edit),
		unary(ReviewServiceName, "Delete", (*ReviewServer).Delete),
		unary(ReviewServiceName, "Checkin", (*ReviewServer).Checkin),
		unary(ReviewServiceName, "Submissions", (*ReviewServer).Submissions),
		unary(ReviewServiceName, "ReviewerActivity", (*ReviewServer).ReviewerActivity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transcriber/v1/review.proto",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "CreateTask", (*AdminServer).CreateTask),
		unary(AdminServiceName, "ListTasks", (*AdminServer).ListTasks),
		unary(AdminServiceName, "DeleteTask", (*AdminServer).DeleteTask),
		unary(AdminServiceName, "Progress", (*AdminServer).Progress),
		unary(AdminServiceName, "Images", (*AdminServer).Images),
		unary(AdminServiceName, "Conflicts", (*AdminServer).Conflicts),
		unary(AdminServiceName, "Enqueue", (*AdminServer).Enqueue),
		unary(AdminServiceName, "JobStatus", (*AdminServer).JobStatus),
		unary(AdminServiceName, "ListJobs", (*AdminServer).ListJobs),
		unary(AdminServiceName, "AcknowledgeJob", (*AdminServer).AcknowledgeJob),
		unary(AdminServiceName, "ResubmitJob", (*AdminServer).ResubmitJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transcriber/v1/admin.proto",
}

// Client calls either service over conn, converting request and response
// values through their JSON form.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes service/method with in and decodes the reply into out.
// out may be nil when the caller does not need the reply.
func (c *Client) Call(ctx context.Context, service, method string, in, out any, opts ...grpc.CallOption) error {
	req, err := utils.ToStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, resp, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	b, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (c *Client) Review(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.Call(ctx, ReviewServiceName, method, in, out, opts...)
}

func (c *Client) Admin(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.Call(ctx, AdminServiceName, method, in, out, opts...)
}
