package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"
)

// Gateway messages are google.protobuf.Struct values. Amounts, indexes and
// sequences travel as strings so no precision is lost to float64.

// ── Encode ───────────────────────────────────────────────────────────────────

func txToMap(rec TransactionRecord) map[string]any {
	return map[string]any{
		"index":        strconv.FormatUint(rec.Index, 10),
		"timestamp":    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"counterparty": rec.Counterparty,
		"amount":       rec.Amount.String(),
		"kind":         string(rec.Kind),
		"note":         rec.Note,
	}
}

func purchaseToMap(p PurchaseRecord) map[string]any {
	return map[string]any{
		"account":   p.Account,
		"eventId":   p.EventID,
		"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func metadataToMap(meta EventMetadata) map[string]any {
	m := map[string]any{
		"id":     meta.ID,
		"name":   meta.Name,
		"venue":  meta.Venue,
		"active": meta.Active,
	}
	if !meta.Date.IsZero() {
		m["date"] = meta.Date.UTC().Format(time.RFC3339)
	}
	return m
}

func eventToMap(ev Event) map[string]any {
	m := map[string]any{
		"type":     string(ev.Type),
		"account":  ev.Account,
		"sequence": strconv.FormatUint(ev.Sequence, 10),
	}
	switch ev.Type {
	case EventBalanceUpdated:
		m["balance"] = ev.Balance.String()
		m["updateKind"] = ev.UpdateKind
	case EventTransactionRecorded:
		if ev.Transaction != nil {
			m["transaction"] = txToMap(*ev.Transaction)
		}
	case EventPurchased:
		m["eventId"] = ev.EventID
	}
	return m
}

func confirmationToMap(c Confirmation) map[string]any {
	return map[string]any{
		"txHash":      c.TxHash,
		"blockNumber": strconv.FormatUint(c.BlockNumber, 10),
		"index":       strconv.FormatUint(c.Index, 10),
	}
}

// ── Decode ───────────────────────────────────────────────────────────────────

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func parseUint(s *structpb.Struct, key string) (uint64, error) {
	v := str(s, key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

func parseTime(s *structpb.Struct, key string) (time.Time, error) {
	v := str(s, key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", key, err)
	}
	return t.UTC(), nil
}

func parseDecimal(s *structpb.Struct, key string) (decimal.Decimal, error) {
	v := str(s, key)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
	}
	return d, nil
}

func txFromStruct(s *structpb.Struct) (TransactionRecord, error) {
	idx, err := parseUint(s, "index")
	if err != nil {
		return TransactionRecord{}, err
	}
	ts, err := parseTime(s, "timestamp")
	if err != nil {
		return TransactionRecord{}, err
	}
	amount, err := parseDecimal(s, "amount")
	if err != nil {
		return TransactionRecord{}, err
	}
	return TransactionRecord{
		Index:        idx,
		Timestamp:    ts,
		Counterparty: str(s, "counterparty"),
		Amount:       amount,
		Kind:         TransactionKind(str(s, "kind")),
		Note:         str(s, "note"),
	}, nil
}

func purchaseFromStruct(s *structpb.Struct) (PurchaseRecord, error) {
	ts, err := parseTime(s, "timestamp")
	if err != nil {
		return PurchaseRecord{}, err
	}
	return PurchaseRecord{
		Account:   str(s, "account"),
		EventID:   str(s, "eventId"),
		Timestamp: ts,
	}, nil
}

func metadataFromStruct(s *structpb.Struct) (EventMetadata, error) {
	date, err := parseTime(s, "date")
	if err != nil {
		return EventMetadata{}, err
	}
	return EventMetadata{
		ID:     str(s, "id"),
		Name:   str(s, "name"),
		Date:   date,
		Venue:  str(s, "venue"),
		Active: s.GetFields()["active"].GetBoolValue(),
	}, nil
}

func eventFromStruct(s *structpb.Struct) (Event, error) {
	seq, err := parseUint(s, "sequence")
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Type:     EventType(str(s, "type")),
		Account:  str(s, "account"),
		Sequence: seq,
	}
	switch ev.Type {
	case EventBalanceUpdated:
		if ev.Balance, err = parseDecimal(s, "balance"); err != nil {
			return Event{}, err
		}
		ev.UpdateKind = str(s, "updateKind")
	case EventTransactionRecorded:
		if txs := s.GetFields()["transaction"].GetStructValue(); txs != nil {
			tx, err := txFromStruct(txs)
			if err != nil {
				return Event{}, err
			}
			ev.Transaction = &tx
		}
	case EventPurchased:
		ev.EventID = str(s, "eventId")
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

func confirmationFromStruct(s *structpb.Struct) (Confirmation, error) {
	block, err := parseUint(s, "blockNumber")
	if err != nil {
		return Confirmation{}, err
	}
	idx, err := parseUint(s, "index")
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{TxHash: str(s, "txHash"), BlockNumber: block, Index: idx}, nil
}

func listOf(maps []map[string]any) []any {
	out := make([]any, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out
}

func structList(s *structpb.Struct, key string) []*structpb.Struct {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(vals))
	for _, v := range vals {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}
