package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// maxRequestBody caps single-message bodies.  A protobuf tap is well under
// 100 bytes and a JSON one under 300.
const maxRequestBody = 4096

// maxQueueBody caps offline-queue uploads.
const maxQueueBody = 8 << 20

const protobufContentType = "application/x-protobuf"

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.  Time clocks send "application/x-protobuf".
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == protobufContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

// Wire layout of the device tap messages:
//
//	message Tap {
//	  string device_id      = 1;
//	  uint64 local_seq      = 2;
//	  string card_id        = 3;
//	  string kind           = 4;
//	  int64  device_time_ms = 5;  // unix milliseconds
//	}
//
//	message TapAck {
//	  bool   ok          = 1;
//	  uint64 seq         = 2;
//	  string event_id    = 3;
//	  string hash        = 4;
//	  bool   duplicate   = 5;
//	  bool   gap         = 6;
//	  string server_time = 7;
//	}
const (
	tapDeviceID     protowire.Number = 1
	tapLocalSeq     protowire.Number = 2
	tapCardID       protowire.Number = 3
	tapKind         protowire.Number = 4
	tapDeviceTimeMs protowire.Number = 5

	ackOK         protowire.Number = 1
	ackSeq        protowire.Number = 2
	ackEventID    protowire.Number = 3
	ackHash       protowire.Number = 4
	ackDuplicate  protowire.Number = 5
	ackGap        protowire.Number = 6
	ackServerTime protowire.Number = 7
)

var errWireType = errors.New("unexpected wire type")

// unmarshalTap decodes a Tap message.  Unknown fields are skipped.
func unmarshalTap(b []byte) (types.TapRequest, error) {
	var req types.TapRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case tapDeviceID, tapCardID, tapKind:
			if typ != protowire.BytesType {
				return req, fmt.Errorf("field %d: %w", num, errWireType)
			}
			var s string
			s, n = protowire.ConsumeString(b)
			switch num {
			case tapDeviceID:
				req.DeviceID = s
			case tapCardID:
				req.CardID = s
			default:
				req.Kind = s
			}
		case tapLocalSeq, tapDeviceTimeMs:
			if typ != protowire.VarintType {
				return req, fmt.Errorf("field %d: %w", num, errWireType)
			}
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if num == tapLocalSeq {
				req.LocalSeq = v
			} else if n >= 0 {
				req.DeviceTime = time.UnixMilli(int64(v)).UTC().Format(time.RFC3339Nano)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return req, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return req, nil
}

func marshalTapAck(resp types.TapResponse) []byte {
	var b []byte
	appendBool := func(num protowire.Number, v bool) {
		if v {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(v))
		}
	}
	appendString := func(num protowire.Number, s string) {
		if s != "" {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, s)
		}
	}

	appendBool(ackOK, resp.OK)
	if resp.Seq != 0 {
		b = protowire.AppendTag(b, ackSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, resp.Seq)
	}
	appendString(ackEventID, resp.EventID)
	appendString(ackHash, resp.Hash)
	appendBool(ackDuplicate, resp.Duplicate)
	appendBool(ackGap, resp.Gap)
	appendString(ackServerTime, resp.ServerTime)
	return b
}

func writeProto(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
