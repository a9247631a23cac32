package main

import (
	"strings"

	ges "github.com/mickamy/ges"
)

const accountPrefix = "Account:"

func accountIDFromStreamID(s string) string {
	if strings.HasPrefix(s, accountPrefix) {
		return strings.TrimPrefix(s, accountPrefix)
	}
	return s
}

// AccountSnapshot is the persisted state shape stored in snapshots.
type AccountSnapshot struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

// serializeState converts the in-memory aggregate into a persistable snapshot.
func serializeState(a *Account) any {
	return AccountSnapshot{
		ID:      accountIDFromStreamID(a.StreamID()),
		Owner:   a.owner,
		Balance: a.balance,
		Version: a.Version(),
	}
}

func decodeSnapshot(rec *ges.SnapshotRecord) (AccountSnapshot, bool, error) {
	return ges.DecodeSnapshotState[AccountSnapshot](rec)
}
