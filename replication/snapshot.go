package replication

import "encoding/hex"

// emptySnapshotHex is an RDB v11 file holding no keys, as written by Redis
// 7.2 for an empty dataset
const emptySnapshotHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

var emptySnapshot = mustDecodeHex(emptySnapshotHex)

// EmptySnapshot returns the fixed payload a master sends after FULLRESYNC.
// It stands in for a point-in-time dump and never reflects store contents.
func EmptySnapshot() []byte {
	return append([]byte(nil), emptySnapshot...)
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("replication: bad snapshot constant: " + err.Error())
	}
	return b
}
