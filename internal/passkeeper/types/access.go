package types

// AccessState is the ticket state of one account for one event, derived
// from the ledger on every request and never stored.
type AccessState struct {
	EventID    string `json:"event_id"`
	Account    string `json:"account"`
	Purchased  int    `json:"purchased"`
	Used       int    `json:"used"`
	Remaining  int    `json:"remaining"`
	CanCheckIn bool   `json:"can_check_in"`
	// DuplicateTickets lists ticket numbers that were checked in more than
	// once, which only happens when two check-ins race.
	DuplicateTickets []int `json:"duplicate_tickets,omitempty"`
}

type CheckInRequest struct {
	Account  string `json:"account"`
	EventID  string `json:"event_id"`
	Operator string `json:"operator"`
	Location string `json:"location,omitempty"`
}

type CheckInResponse struct {
	OK               bool   `json:"ok"`
	Account          string `json:"account"`
	EventID          string `json:"event_id"`
	TicketNumber     int    `json:"ticket_number"`
	TotalTickets     int    `json:"total_tickets"`
	RemainingTickets int    `json:"remaining_tickets"`
	TxHash           string `json:"tx_hash"`
	BlockNumber      uint64 `json:"block_number"`
	ServerTime       string `json:"server_time"`
}
