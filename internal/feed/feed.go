// Package feed serves committed ledger entries to downstream consumers
// over a gRPC server stream.
//
// The service is described by hand rather than generated: the request is
// a google.protobuf.UInt64Value holding the last sequence the consumer
// has seen, and each response is a google.protobuf.Struct with the
// exported entry fields.
package feed

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/Tapledger/server/internal/export"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

const ServiceName = "tapledger.feed.v1.LedgerFeed"

const subscribeMethod = "/" + ServiceName + "/Subscribe"

// Source is the read side of the sequencer.
type Source interface {
	After(ctx context.Context, seq uint64, limit int) ([]chain.Entry, error)
	Committed() <-chan struct{}
}

// LedgerFeedServer is implemented by *Server.
type LedgerFeedServer interface {
	Subscribe(*wrapperspb.UInt64Value, grpc.ServerStreamingServer[structpb.Struct]) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerFeedServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "tapledger/feed/v1/feed.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.UInt64Value)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LedgerFeedServer).Subscribe(req,
		&grpc.GenericServerStream[wrapperspb.UInt64Value, structpb.Struct]{ServerStream: stream})
}

type Server struct {
	src    Source
	batch  int
	logger *slog.Logger
}

// NewServer builds the feed.  batch is the page size read per round trip,
// default 256.
func NewServer(src Source, batch int, logger *slog.Logger) *Server {
	if batch <= 0 {
		batch = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{src: src, batch: batch, logger: logger}
}

func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&ServiceDesc, s)
}

// Subscribe streams every entry after the requested sequence, then keeps
// the stream open and sends new entries as they commit.
func (s *Server) Subscribe(req *wrapperspb.UInt64Value, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	cursor := req.GetValue()
	s.logger.InfoContext(ctx, "feed subscriber connected", "after", cursor)

	for {
		notify := s.src.Committed()
		page, err := s.src.After(ctx, cursor, s.batch)
		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			s.logger.ErrorContext(ctx, "feed read failed", "after", cursor, "error", err)
			return status.Error(codes.Internal, "ledger read failed")
		}
		for _, e := range page {
			msg, err := EntryStruct(e)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
			cursor = e.Seq
		}
		if len(page) == s.batch {
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "feed subscriber gone", "last_seq", cursor)
			return status.FromContextError(ctx.Err()).Err()
		case <-notify:
		}
	}
}

// EntryStruct renders an entry as a protobuf Struct.
func EntryStruct(e chain.Entry) (*structpb.Struct, error) {
	v := export.View(e)
	fields := map[string]any{
		"seq":          v.Seq,
		"event_id":     v.EventID,
		"device_id":    v.DeviceID,
		"local_seq":    v.LocalSeq,
		"employee_id":  v.EmployeeID,
		"kind":         v.Kind,
		"device_time":  v.DeviceTime,
		"arrived_at":   v.ArrivedAt,
		"committed_at": v.CommittedAt,
		"hash":         v.Hash,
		"prev_hash":    v.PrevHash,
	}
	if v.Corrects != "" {
		fields["corrects"] = v.Corrects
	}
	return structpb.NewStruct(fields)
}

// Subscribe opens a feed stream on conn starting after seq.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, after uint64) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.UInt64Value, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.UInt64(after)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
