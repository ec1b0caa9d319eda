package collectible

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotMinted indicates the token identifier has no owner on record.
	ErrNotMinted = errors.New("collectible: token not minted")
	// ErrAlreadyMinted indicates the token identifier already has an owner.
	ErrAlreadyMinted = errors.New("collectible: token already minted")
	// ErrUnauthorizedTransfer indicates the operator is neither the owner nor
	// an approved operator for the owner.
	ErrUnauthorizedTransfer = errors.New("collectible: unauthorized transfer")
	// ErrWrongOwner indicates the from address does not own the token.
	ErrWrongOwner = errors.New("collectible: from address is not the owner")
)

type registryState interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

// Registry tracks ownership of non-fungible tokens within one collection. It
// provides the transfer and operator-approval surface the auction engine needs
// to move the lot to a winning bidder.
type Registry struct {
	symbol string
	state  registryState
}

// NewRegistry creates a collectible registry bound to the provided state
// backend.
func NewRegistry(state registryState, symbol string) (*Registry, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return nil, fmt.Errorf("collectible: symbol must not be empty")
	}
	return &Registry{symbol: trimmed, state: state}, nil
}

// Symbol returns the collection symbol.
func (r *Registry) Symbol() string { return r.symbol }

func (r *Registry) ownerKey(id uint64) []byte {
	return []byte(fmt.Sprintf("collectible/%s/owner/%d", r.symbol, id))
}

func (r *Registry) operatorKey(owner, operator [20]byte) []byte {
	return []byte(fmt.Sprintf("collectible/%s/operator/%x/%x", r.symbol, owner, operator))
}

// OwnerOf returns the current owner of the token.
func (r *Registry) OwnerOf(id uint64) ([20]byte, error) {
	var owner [20]byte
	ok, err := r.state.KVGet(r.ownerKey(id), &owner)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotMinted
	}
	return owner, nil
}

// Mint records the initial owner of a token identifier.
func (r *Registry) Mint(to [20]byte, id uint64) error {
	if _, err := r.OwnerOf(id); err == nil {
		return ErrAlreadyMinted
	} else if !errors.Is(err, ErrNotMinted) {
		return err
	}
	return r.state.KVPut(r.ownerKey(id), to)
}

// SetApprovalForAll grants or revokes the operator's authority to move any of
// the owner's tokens in this collection.
func (r *Registry) SetApprovalForAll(owner, operator [20]byte, approved bool) error {
	return r.state.KVPut(r.operatorKey(owner, operator), approved)
}

// IsApprovedForAll reports whether operator may move owner's tokens.
func (r *Registry) IsApprovedForAll(owner, operator [20]byte) (bool, error) {
	var approved bool
	ok, err := r.state.KVGet(r.operatorKey(owner, operator), &approved)
	if err != nil {
		return false, err
	}
	return ok && approved, nil
}

// TransferFrom moves the token from its owner to the recipient. The operator
// must be the owner or hold an approval-for-all grant from the owner.
func (r *Registry) TransferFrom(operator, from, to [20]byte, id uint64) error {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrWrongOwner
	}
	if operator != owner {
		approved, err := r.IsApprovedForAll(owner, operator)
		if err != nil {
			return err
		}
		if !approved {
			return ErrUnauthorizedTransfer
		}
	}
	return r.state.KVPut(r.ownerKey(id), to)
}
