package httpapi

import (
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

// ── Check-in ─────────────────────────────────────────────────────────────────

func checkInRequestFromProto(p *structpb.Struct) types.CheckInRequest {
	return types.CheckInRequest{
		Account:  stringField(p, "account"),
		EventID:  stringField(p, "event_id"),
		Operator: stringField(p, "operator"),
		Location: stringField(p, "location"),
	}
}

func checkInResponseToProto(r types.CheckInResponse) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"ok":                r.OK,
		"account":           r.Account,
		"event_id":          r.EventID,
		"ticket_number":     r.TicketNumber,
		"total_tickets":     r.TotalTickets,
		"remaining_tickets": r.RemainingTickets,
		"tx_hash":           r.TxHash,
		// Struct numbers are doubles; block heights travel as strings.
		"block_number": strconv.FormatUint(r.BlockNumber, 10),
		"server_time":  r.ServerTime,
	})
}

// stringField reads key as a string. Readers that send account or event
// ids as numbers are accepted too.
func stringField(p *structpb.Struct, key string) string {
	v, ok := p.GetFields()[key]
	if !ok {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	default:
		return ""
	}
}
