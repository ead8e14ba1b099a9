package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// ComputeChecksum returns the SHA-256 of a payload's canonical field set.
// Field order and zero-valued fields do not affect the hash.
func ComputeChecksum(p marketplace.Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("cannot checksum an empty payload")
	}

	// encoding/json writes map keys sorted
	data, err := json.Marshal(struct {
		EntityType marketplace.EntityType `json:"entity_type"`
		Fields     map[string]interface{} `json:"fields"`
	}{p.EntityType(), p.Fields()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
