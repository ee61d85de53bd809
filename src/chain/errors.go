package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ValidationErrType enumerates the reasons a header or block is refused.
type ValidationErrType uint32

const (
	// UnknownParent is a header whose predecessor is not in the arena.
	UnknownParent ValidationErrType = iota
	// InvalidProofOfWork is a header whose hash exceeds its declared target,
	// or whose target is out of range for the network.
	InvalidProofOfWork
	// BadMerkleRoot is a block whose transactions do not hash to the merkle
	// root committed in its header.
	BadMerkleRoot
	// BadTransaction is a block or transaction failing structural checks.
	BadTransaction
)

// ValidationErr reports data received from a peer that cannot be accepted.
// It is never fatal to the node.
type ValidationErr struct {
	errType ValidationErrType
	hash    chainhash.Hash
	detail  string
}

// NewValidationErr ...
func NewValidationErr(errType ValidationErrType, hash chainhash.Hash, detail string) ValidationErr {
	return ValidationErr{
		errType: errType,
		hash:    hash,
		detail:  detail,
	}
}

// Type ...
func (e ValidationErr) Type() ValidationErrType {
	return e.errType
}

// Hash is the hash of the rejected object.
func (e ValidationErr) Hash() chainhash.Hash {
	return e.hash
}

// Error ...
func (e ValidationErr) Error() string {
	m := ""
	switch e.errType {
	case UnknownParent:
		m = "Unknown Parent"
	case InvalidProofOfWork:
		m = "Invalid Proof Of Work"
	case BadMerkleRoot:
		m = "Bad Merkle Root"
	case BadTransaction:
		m = "Bad Transaction"
	}
	return fmt.Sprintf("%s, %s: %s", e.hash, m, e.detail)
}

// IsValidation checks that an error is a ValidationErr of the given type.
func IsValidation(err error, t ValidationErrType) bool {
	var ve ValidationErr
	return errors.As(err, &ve) && ve.errType == t
}

// IsValidationErr reports whether err is a ValidationErr of any type. Errors
// returned by Chain appends that are not validation errors come from the
// Store and should be treated as fatal.
func IsValidationErr(err error) bool {
	var ve ValidationErr
	return errors.As(err, &ve)
}
