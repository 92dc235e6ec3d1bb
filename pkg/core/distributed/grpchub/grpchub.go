// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grpchub serves a distributed.Hub over gRPC, so workers running in different processes (or machines)
// can issue collectives together.
//
// The coordinator (rank 0) runs a Server with the Hub, and every other worker connects a Client to it.
// Messages are JSON encoded (distributed.Contribution and Outcome) using a gRPC codec registered
// under the name "json", so no generated protobuf code is needed. Values travel as their IEEE-754 bits,
// so NaN and ±Inf reach the other workers unchanged.
//
// Errors of the Hub travel inside the Outcome and are mapped back to the same sentinel errors
// (distributed.ErrProtocol, distributed.ErrCollectiveTimeout, distributed.ErrClosed) on the client side.
package grpchub

import (
	"context"
	"encoding/json"
	"math"
	"net"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

const (
	// CodecName is the gRPC content-subtype used by the hub service.
	CodecName = "json"

	serviceName       = "disttrain.collective.Hub"
	contributeMethod  = "/" + serviceName + "/Contribute"
	defaultMaxMsgSize = 64 << 20
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec with encoding/json.
type jsonCodec struct{}

// wireContribution shadows Contribution.Values with its bit patterns.
type wireContribution struct {
	*distributed.Contribution
	Values []uint64 `json:"values,omitempty"`
}

// wireOutcome shadows Outcome.Values with its bit patterns.
type wireOutcome struct {
	*Outcome
	Values []uint64 `json:"values,omitempty"`
}

func toBits(values []float64) []uint64 {
	if values == nil {
		return nil
	}
	bits := make([]uint64, len(values))
	for ii, v := range values {
		bits[ii] = math.Float64bits(v)
	}
	return bits
}

func fromBits(bits []uint64) []float64 {
	if bits == nil {
		return nil
	}
	values := make([]float64, len(bits))
	for ii, b := range bits {
		values[ii] = math.Float64frombits(b)
	}
	return values
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *distributed.Contribution:
		return json.Marshal(wireContribution{Contribution: msg, Values: toBits(msg.Values)})
	case *Outcome:
		return json.Marshal(wireOutcome{Outcome: msg, Values: toBits(msg.Values)})
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	switch msg := v.(type) {
	case *distributed.Contribution:
		wire := wireContribution{Contribution: msg}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		msg.Values = fromBits(wire.Values)
		return nil
	case *Outcome:
		wire := wireOutcome{Outcome: msg}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		msg.Values = fromBits(wire.Values)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// Outcome is the reply to a Contribution.
type Outcome struct {
	Values  []float64 `json:"values,omitempty"`
	ErrKind string    `json:"err_kind,omitempty"`
	ErrMsg  string    `json:"err_msg,omitempty"`
}

const (
	errKindProtocol = "protocol"
	errKindTimeout  = "timeout"
	errKindClosed   = "closed"
	errKindOther    = "other"
)

// sentinels maps error kinds to the errors they are reported with.
var sentinels = map[string]error{
	errKindProtocol: distributed.ErrProtocol,
	errKindTimeout:  distributed.ErrCollectiveTimeout,
	errKindClosed:   distributed.ErrClosed,
}

func errorKind(err error) string {
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return errKindOther
}

// hubServer is the service interface, used for the service descriptor handler type.
type hubServer interface {
	Contribute(ctx context.Context, c *distributed.Contribution) (*Outcome, error)
}

func contributeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(distributed.Contribution)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubServer).Contribute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: contributeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubServer).Contribute(ctx, req.(*distributed.Contribution))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*hubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Contribute",
			Handler:    contributeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "disttrain/collective",
}

// Server serves a Hub over gRPC.
type Server struct {
	hub        *distributed.Hub
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer creates a Server for hub, listening on address (e.g. ":29500"). Call Serve to start serving.
func NewServer(hub *distributed.Hub, address string) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q for the collective hub", address)
	}
	s := &Server{
		hub:      hub,
		listener: listener,
		grpcServer: grpc.NewServer(
			grpc.MaxRecvMsgSize(defaultMaxMsgSize),
			grpc.MaxSendMsgSize(defaultMaxMsgSize),
		),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks serving requests, until Stop is called.
func (s *Server) Serve() error {
	klog.V(1).Infof("collective hub serving on %s", s.listener.Addr())
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop closes the hub, failing pending collectives with distributed.ErrClosed, and stops the server
// once the replies in flight are sent.
func (s *Server) Stop() {
	_ = s.hub.Close()
	s.grpcServer.GracefulStop()
}

// Contribute implements the hub service.
func (s *Server) Contribute(ctx context.Context, c *distributed.Contribution) (*Outcome, error) {
	values, err := s.hub.Exchange(ctx, c)
	if err != nil {
		return &Outcome{ErrKind: errorKind(err), ErrMsg: err.Error()}, nil
	}
	return &Outcome{Values: values}, nil
}

// Client exchanges contributions with a remote Server. It implements distributed.Exchanger and io.Closer.
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// Dial creates a Client for the server at target (e.g. "10.0.0.1:29500").
//
// The connection is established lazily, and each exchange waits for the server to be ready, so workers
// can be started before the coordinator.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(defaultMaxMsgSize),
			grpc.MaxCallSendMsgSize(defaultMaxMsgSize),
		),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create collective hub client for %q", target)
	}
	return &Client{target: target, conn: conn}, nil
}

// Exchange implements distributed.Exchanger.
func (c *Client) Exchange(ctx context.Context, contribution *distributed.Contribution) ([]float64, error) {
	out := new(Outcome)
	err := c.conn.Invoke(ctx, contributeMethod, contribution, out, grpc.WaitForReady(true))
	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded, codes.Canceled:
			return nil, errors.Wrapf(distributed.ErrCollectiveTimeout, "%s on %q (seq %d) with hub %s: %v",
				contribution.Op, contribution.Group, contribution.Seq, c.target, err)
		default:
			return nil, errors.Wrapf(err, "%s on %q (seq %d) with hub %s",
				contribution.Op, contribution.Group, contribution.Seq, c.target)
		}
	}
	if out.ErrKind != "" {
		if sentinel, found := sentinels[out.ErrKind]; found {
			return nil, errors.Wrap(sentinel, out.ErrMsg)
		}
		return nil, errors.New(out.ErrMsg)
	}
	return out.Values, nil
}

// Close the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
