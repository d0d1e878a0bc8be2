package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/me/fairq/pkg/model"
)

// ContentHash returns the cache key of a task: sha256 over task type,
// payload reference and the canonical JSON of its inputs. encoding/json
// sorts map keys, so equal inputs always serialise identically.
//
// Every field is length-prefixed to avoid ambiguity between fields.
func ContentHash(task *model.Task) (string, error) {
	inputs, err := json.Marshal(task.Inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}

	h := sha256.New()
	writeField(h, []byte(task.TaskType))
	writeField(h, []byte(task.PayloadRef))
	writeField(h, inputs)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}
