// Package uuid generates product and run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 identifiers.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RunKey converts a run id string into the fixed-size form carried on progress
// events. Unparseable ids map to the zero key.
func RunKey(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
