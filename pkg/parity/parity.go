// Package parity computes and incrementally maintains the two parity blocks
// of a RAID-6 stripe.
package parity

import (
	"fmt"

	"github.com/i5heu/raid6/pkg/galois"
)

// Policy selects which parity is computed.
type Policy uint8

const (
	// XOR is the P parity: the plain XOR of all data blocks.
	XOR Policy = iota
	// ReedSolomon is the Q parity: XOR over ordinal i of g^i * data_i.
	ReedSolomon
)

// Policies lists both parities in stripe order (P first, then Q).
var Policies = [2]Policy{XOR, ReedSolomon}

func (p Policy) String() string {
	switch p {
	case XOR:
		return "xor"
	case ReedSolomon:
		return "reed-solomon"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// MaxDataBlocks is the largest number of data blocks a Reed-Solomon parity
// can cover before the coefficients g^i start repeating.
const MaxDataBlocks = galois.Order

// Engine computes parity blocks over a shared Field.
type Engine struct {
	field *galois.Field
}

// NewEngine returns an Engine that uses field for all arithmetic.
func NewEngine(field *galois.Field) *Engine {
	return &Engine{field: field}
}

// Field returns the field the engine computes in.
func (e *Engine) Field() *galois.Field {
	return e.field
}

// Compute returns the parity of blocks under policy. For ReedSolomon the
// blocks must be ordered by ascending data ordinal within the stripe.
func (e *Engine) Compute(policy Policy, blocks [][]byte) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("parity: %s parity needs at least one block", policy)
	}
	size := len(blocks[0])
	for i, b := range blocks {
		if len(b) != size {
			return nil, fmt.Errorf("parity: block %d has length %d, want %d", i, len(b), size)
		}
	}

	out := make([]byte, size)
	switch policy {
	case XOR:
		for _, b := range blocks {
			e.field.XorInto(out, b)
		}
	case ReedSolomon:
		if len(blocks) > MaxDataBlocks {
			return nil, fmt.Errorf("parity: %d blocks exceed the %d distinct coefficients", len(blocks), MaxDataBlocks)
		}
		for i, b := range blocks {
			e.field.MulAddInto(out, b, e.field.Power(i))
		}
	default:
		return nil, fmt.Errorf("parity: unknown %s", policy)
	}
	return out, nil
}

// Update returns the parity after the data block at ordinal rsIndex changed
// from oldData to newData. The inputs are not modified.
//
// XOR:         oldParity ^ oldData ^ newData
// ReedSolomon: oldParity ^ g^rsIndex*oldData ^ g^rsIndex*newData
func (e *Engine) Update(policy Policy, oldData, newData, oldParity []byte, rsIndex int) ([]byte, error) {
	if len(oldData) != len(oldParity) || len(newData) != len(oldParity) {
		return nil, fmt.Errorf("parity: update length mismatch: old data %d, new data %d, parity %d",
			len(oldData), len(newData), len(oldParity))
	}

	out := make([]byte, len(oldParity))
	copy(out, oldParity)
	switch policy {
	case XOR:
		e.field.XorInto(out, oldData)
		e.field.XorInto(out, newData)
	case ReedSolomon:
		if rsIndex < 0 || rsIndex >= MaxDataBlocks {
			return nil, fmt.Errorf("parity: reed-solomon index %d out of range", rsIndex)
		}
		c := e.field.Power(rsIndex)
		e.field.MulAddInto(out, oldData, c)
		e.field.MulAddInto(out, newData, c)
	default:
		return nil, fmt.Errorf("parity: unknown %s", policy)
	}
	return out, nil
}
