package helper

import (
	"github.com/google/uuid"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Generates a unique identifier for a message.
func GenerateUID() types.UID {
	return types.UID(uuid.New().String())
}

// Returns the greatest stamp of the given values.
func MaxStamp(values ...types.Stamp) types.Stamp {
	var v types.Stamp
	for _, e := range values {
		if e > v {
			v = e
		}
	}
	return v
}
