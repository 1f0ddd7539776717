package ledger

import (
	"fmt"
	"regexp"
	"strconv"
)

// Check-ins are recorded on the ledger as zero-amount PAYMENTs whose note
// is EVENT_<eventID>_CHECKIN_<n>, n counting from 1. This file is the only
// place that knows the format.

var checkInNoteRE = regexp.MustCompile(`^EVENT_(.+)_CHECKIN_([1-9][0-9]*)$`)

// CheckInNote renders the note for the n-th check-in at eventID.
func CheckInNote(eventID string, n int) string {
	return fmt.Sprintf("EVENT_%s_CHECKIN_%d", eventID, n)
}

// ParseCheckInNote extracts the event ID and ticket number from a note.
// ok is false for anything that is not exactly a check-in note.
func ParseCheckInNote(note string) (eventID string, n int, ok bool) {
	m := checkInNoteRE.FindStringSubmatch(note)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// IsCheckInFor reports whether rec is a check-in at eventID, returning the
// ticket number it consumed.
func IsCheckInFor(rec TransactionRecord, eventID string) (int, bool) {
	if rec.Kind != KindPayment || !rec.Amount.IsZero() {
		return 0, false
	}
	id, n, ok := ParseCheckInNote(rec.Note)
	if !ok || id != eventID {
		return 0, false
	}
	return n, true
}
