package quota

import (
	"encoding/json"
	"fmt"
)

// EncodeSnapshot renders a snapshot as the JSON document every store
// persists.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	if snapshot.Version == 0 {
		snapshot.Version = SnapshotVersion
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode usage snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode usage snapshot: %w", err)
	}
	if snapshot.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported usage snapshot version %d", snapshot.Version)
	}
	if snapshot.Hours == nil {
		snapshot.Hours = map[string]Bucket{}
	}
	if snapshot.Days == nil {
		snapshot.Days = map[string]Bucket{}
	}
	return snapshot, nil
}
