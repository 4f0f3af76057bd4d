package httpapi

import (
	"net/http"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// handleTap ingests one live tap.  Protobuf requests get a protobuf TapAck
// on success; errors are always JSON.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var (
		req   types.TapRequest
		proto = isProtobuf(r)
	)
	if proto {
		body, err := readBody(r)
		if err != nil {
			badRequest(w, "unreadable body")
			return
		}
		if req, err = unmarshalTap(body); err != nil {
			badRequest(w, "invalid protobuf")
			return
		}
	} else if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	tap, err := tapFromRequest(req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.ingestor.Submit(r.Context(), tap)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	resp := tapResponse(res, s.serverTime())
	if proto {
		writeProto(w, status, marshalTapAck(resp))
		return
	}
	writeJSON(w, status, resp)
}
