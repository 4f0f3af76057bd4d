package httpapi

import (
	"strings"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// tapFromRequest converts a wire tap.  Only the timestamp format is
// checked here; everything else is the ingestor's job.
func tapFromRequest(req types.TapRequest) (chain.RawTap, error) {
	tap := chain.RawTap{
		DeviceID:   req.DeviceID,
		LocalSeq:   req.LocalSeq,
		EmployeeID: req.CardID,
		Kind:       chain.EventKind(req.Kind),
	}
	if s := strings.TrimSpace(req.DeviceTime); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return tap, &service.ValidationError{Field: "device_time", Reason: "not an RFC 3339 timestamp"}
		}
		tap.DeviceTime = t
	}
	return tap, nil
}

func tapResponse(res service.Result, serverTime string) types.TapResponse {
	return types.TapResponse{
		OK:         true,
		Seq:        res.Entry.Seq,
		EventID:    res.Entry.EventID,
		Hash:       res.Entry.Hash.String(),
		Duplicate:  res.Duplicate,
		Gap:        res.Gap,
		ServerTime: serverTime,
	}
}

func deviceView(rec store.DeviceRecord) types.DeviceView {
	v := types.DeviceView{
		DeviceID:         rec.DeviceID,
		Name:             rec.Name,
		Location:         rec.Location,
		State:            string(rec.State),
		Active:           rec.Active,
		MissedHeartbeats: rec.MissedHeartbeats,
		QueuedEvents:     rec.QueuedEvents,
		FirmwareVersion:  rec.FirmwareVersion,
		RegisteredAt:     rec.RegisteredAt.UTC().Format(time.RFC3339),
	}
	if !rec.LastSeen.IsZero() {
		v.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return v
}
