package storage

import "fmt"

// Pebble key schema:
//
//	ins:<id>          → instruction snapshot (JSON)
//	hist:<id>:<seq>   → transition (JSON)
//	meta:next_id      → last assigned id (decimal string)
//
// Ids and seqs are zero-padded so lexical order matches numeric order.
const (
	prefixInstruction = "ins:"
	prefixHistory     = "hist:"
	keyNextID         = "meta:next_id"
)

func instructionKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixInstruction, id))
}

func historyKey(id int64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%010d", prefixHistory, id, seq))
}

// historyPrefix returns the prefix for all history entries of an instruction
// Format: "hist:{id}:"
func historyPrefix(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixHistory, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
