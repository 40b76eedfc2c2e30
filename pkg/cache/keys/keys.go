// Package keys builds and parses the composite cache keys used by the
// cache service. Inputs and parameters are canonicalized (map keys sorted
// recursively) and reduced to SHA-256 hex fingerprints, so equal inputs
// produce equal keys across processes.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Separator joins the four key parts. It may not appear in the model id
// or operation.
const Separator = ":"

// ErrInvalidKey is returned when a serialized key cannot be parsed
var ErrInvalidKey = errors.New("invalid cache key")

// Key is the structured form of a composite cache key
type Key struct {
	ModelID    string
	Operation  string
	InputHash  string
	ParamsHash string
}

// String serializes the key in its canonical four-part form
func (k Key) String() string {
	return strings.Join([]string{k.ModelID, k.Operation, k.InputHash, k.ParamsHash}, Separator)
}

// Build composes a cache key from a model id, an operation, the call
// inputs (string, ordered string slice, or mapping), and optional
// parameters.
func Build(modelID, operation string, inputs interface{}, params map[string]interface{}) (string, error) {
	if modelID == "" || operation == "" {
		return "", fmt.Errorf("%w: model id and operation are required", ErrInvalidKey)
	}
	if strings.Contains(modelID, Separator) || strings.Contains(operation, Separator) {
		return "", fmt.Errorf("%w: model id and operation may not contain %q", ErrInvalidKey, Separator)
	}
	inputHash, err := Fingerprint(inputs)
	if err != nil {
		return "", err
	}
	paramsHash, err := Fingerprint(params)
	if err != nil {
		return "", err
	}
	return Key{
		ModelID:    modelID,
		Operation:  operation,
		InputHash:  inputHash,
		ParamsHash: paramsHash,
	}.String(), nil
}

// Parse inverts Build with strict arity
func Parse(raw string) (Key, error) {
	parts := strings.Split(raw, Separator)
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: expected 4 parts, got %d", ErrInvalidKey, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("%w: empty part", ErrInvalidKey)
		}
	}
	return Key{
		ModelID:    parts[0],
		Operation:  parts[1],
		InputHash:  parts[2],
		ParamsHash: parts[3],
	}, nil
}

// Fingerprint reduces a value to a SHA-256 hex digest of its canonical
// serialization. Maps serialize with sorted keys (encoding/json
// guarantees this, recursively); values that JSON cannot express are
// coerced through their printed form.
func Fingerprint(value interface{}) (string, error) {
	canonical, err := canonicalBytes(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalBytes keeps the serialized forms of different input kinds
// disjoint: strings serialize JSON-quoted so the string "null" cannot
// collide with a nil input, and raw bytes carry a kind prefix.
func canonicalBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return json.Marshal(v)
	case []byte:
		return append([]byte("bytes:"), v...), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		// Non-serializable inputs fall back to their canonical string form
		return []byte(fmt.Sprintf("%v", value)), nil
	}
	return data, nil
}
