package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeHash computes the SHA-256 hash for a record, chaining to the previous hash.
func ComputeHash(r *Record) string {
	data := fmt.Sprintf("%s|%d|%d|%s|%s|%s|%s|%s|%d|%s|%s|%s|%d|%.9f|%s|%s",
		r.ID,
		r.Seq,
		r.Timestamp.UnixNano(),
		r.RequestID,
		r.ClientID,
		r.Provider,
		r.Model,
		r.Action,
		r.Status,
		r.BlockedReason,
		strings.Join(r.ReasonCodes, ","),
		strings.Join(r.Tags, ","),
		r.Tokens,
		r.CostUSD,
		string(r.Findings),
		r.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeSeed computes the prev_hash of the first record in a chain.
func ComputeSeed(name string) string {
	hash := sha256.Sum256([]byte(name))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks records in sequence order and checks hash integrity.
// When seed is non-empty the first record must link to it.
// Returns (valid, brokenAtIndex). If valid is true, all hashes check out.
func VerifyChain(records []*Record, seed string) (bool, int) {
	for i, r := range records {
		if r.Hash != ComputeHash(r) {
			return false, i
		}
		if i == 0 {
			if seed != "" && r.PrevHash != seed {
				return false, 0
			}
			continue
		}
		if r.PrevHash != records[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
