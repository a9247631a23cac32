package ges

import "encoding/json"

// DecodeSnapshotState round-trips a SnapshotRecord's State (a generic
// map[string]any when loaded from storepg, the value given to
// StoreSnapshots when loaded from storemem) into a concrete type T. Applications
// call this after LoadLatestSnapshot instead of teaching the store about
// their snapshot payload types.
func DecodeSnapshotState[T any](rec *SnapshotRecord) (T, bool, error) {
	var zero T
	if rec == nil || rec.State == nil {
		return zero, false, nil
	}
	raw, err := json.Marshal(rec.State)
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, err
	}
	return out, true, nil
}
