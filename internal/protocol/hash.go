package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func SHA256Hex(in []byte) string {
	h := sha256.Sum256(in)
	return hex.EncodeToString(h[:])
}

// EntryHash chains a transition onto the ledger: the hash covers the
// submission fields plus the previous entry's hash, so any rewrite of an
// earlier entry invalidates every later one.
func EntryHash(t Transition, previousHash string, recordedAt time.Time) (string, error) {
	payload, err := CanonicalJSON(t)
	if err != nil {
		return "", err
	}
	shape := struct {
		EventID      string    `json:"event_id"`
		Action       string    `json:"action"`
		Actor        string    `json:"actor"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
		RecordedAt   time.Time `json:"recorded_at"`
	}{
		EventID:      t.EventID,
		Action:       t.Action,
		Actor:        t.Actor,
		PayloadHash:  SHA256Hex(payload),
		PreviousHash: previousHash,
		RecordedAt:   recordedAt.UTC(),
	}
	raw, err := CanonicalJSON(shape)
	if err != nil {
		return "", err
	}
	return SHA256Hex(raw), nil
}

// TransactionID derives the externally quotable transaction identifier for a
// recorded entry.
func TransactionID(eventID, entryHash string) string {
	return "0x" + SHA256Hex([]byte(eventID+":"+entryHash))
}
