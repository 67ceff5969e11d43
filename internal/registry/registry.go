package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownToken      = errors.New("unknown token")
	ErrNotTokenOwner     = errors.New("not token owner")
	ErrNotAuthorized     = errors.New("not authorized to transfer")
)

// ReceiverHook runs after a token lands in the receiving account. A non-nil
// error fails the transfer and restores prior ownership. Hooks may call back
// into whatever system initiated the transfer, so transfers fire them only
// after ownership state has committed.
type ReceiverHook func(ctx context.Context, from, collection string, tokenID uint64) error

// Registry is the authoritative owner/approval store for every token. It is
// the marketplace's external collaborator: the marketplace queries it per
// operation and never caches what it returns.
type Registry struct {
	mu          sync.Mutex
	collections map[string]*collection
	hooks       map[string]ReceiverHook
}

type collection struct {
	name      string
	symbol    string
	baseURI   string
	nextToken uint64
	owners    map[uint64]string
	approved  map[uint64]string
}

// Collection describes a deployed collection.
type Collection struct {
	ID      string
	Name    string
	Symbol  string
	BaseURI string
}

func New() *Registry {
	return &Registry{
		collections: make(map[string]*collection),
		hooks:       make(map[string]ReceiverHook),
	}
}

// Deploy registers a new collection and returns its identifier.
func (r *Registry) Deploy(name, symbol, baseURI string) Collection {
	id := uuid.NewString()
	r.mu.Lock()
	r.collections[id] = &collection{
		name:     name,
		symbol:   symbol,
		baseURI:  baseURI,
		owners:   make(map[uint64]string),
		approved: make(map[uint64]string),
	}
	r.mu.Unlock()
	return Collection{ID: id, Name: name, Symbol: symbol, BaseURI: baseURI}
}

// Mint creates the next token in the collection, owned by to.
func (r *Registry) Mint(ctx context.Context, collectionID, to string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return 0, ErrUnknownCollection
	}
	tokenID := c.nextToken
	c.owners[tokenID] = to
	c.nextToken++
	return tokenID, nil
}

// TokenCount returns how many tokens the collection has minted.
func (r *Registry) TokenCount(collectionID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return 0, ErrUnknownCollection
	}
	return c.nextToken, nil
}

// TokenURI returns the metadata URI for a token.
func (r *Registry) TokenURI(collectionID string, tokenID uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return "", ErrUnknownCollection
	}
	if _, ok := c.owners[tokenID]; !ok {
		return "", ErrUnknownToken
	}
	return c.baseURI + strconv.FormatUint(tokenID, 10), nil
}

// OwnerOf returns the current owner of a token.
func (r *Registry) OwnerOf(ctx context.Context, collectionID string, tokenID uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return "", ErrUnknownCollection
	}
	owner, ok := c.owners[tokenID]
	if !ok {
		return "", ErrUnknownToken
	}
	return owner, nil
}

// Approve names an operator allowed to transfer the token on the owner's
// behalf. Only the current owner may approve; an empty operator clears the
// approval.
func (r *Registry) Approve(ctx context.Context, caller, operator, collectionID string, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return ErrUnknownCollection
	}
	owner, ok := c.owners[tokenID]
	if !ok {
		return ErrUnknownToken
	}
	if owner != caller {
		return ErrNotTokenOwner
	}
	if operator == "" {
		delete(c.approved, tokenID)
		return nil
	}
	c.approved[tokenID] = operator
	return nil
}

// GetApproved returns the approved operator for a token, or "" when none.
func (r *Registry) GetApproved(ctx context.Context, collectionID string, tokenID uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[collectionID]
	if !ok {
		return "", ErrUnknownCollection
	}
	if _, ok := c.owners[tokenID]; !ok {
		return "", ErrUnknownToken
	}
	return c.approved[tokenID], nil
}

// SetReceiverHook registers a hook fired when the account receives a token.
// Passing nil removes the hook.
func (r *Registry) SetReceiverHook(account string, hook ReceiverHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hook == nil {
		delete(r.hooks, account)
		return
	}
	r.hooks[account] = hook
}

// TransferFrom moves a token from its owner to the recipient. The operator
// must be the owner or the approved operator for the token. Any approval is
// cleared on transfer. The recipient's hook, if registered, runs after
// ownership has committed and the registry lock is released; a hook error
// restores prior ownership and fails the transfer.
func (r *Registry) TransferFrom(ctx context.Context, operator, from, to, collectionID string, tokenID uint64) error {
	r.mu.Lock()

	c, ok := r.collections[collectionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownCollection
	}
	owner, ok := c.owners[tokenID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownToken
	}
	if owner != from {
		r.mu.Unlock()
		return fmt.Errorf("transfer of token %d: %w", tokenID, ErrNotTokenOwner)
	}
	if operator != owner && c.approved[tokenID] != operator {
		r.mu.Unlock()
		return fmt.Errorf("operator %s: %w", operator, ErrNotAuthorized)
	}

	prevApproved, hadApproval := c.approved[tokenID]
	c.owners[tokenID] = to
	delete(c.approved, tokenID)
	hook := r.hooks[to]
	r.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, collectionID, tokenID); err != nil {
		r.mu.Lock()
		c.owners[tokenID] = from
		if hadApproval {
			c.approved[tokenID] = prevApproved
		}
		r.mu.Unlock()
		return fmt.Errorf("receiver %s rejected token: %w", to, err)
	}
	return nil
}
