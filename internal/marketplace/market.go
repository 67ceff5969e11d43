package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/nftmarket/internal/bank"
	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

// AssetRegistry is the consumed capability of the external asset registry.
// Ownership and approval answers must reflect current state; the market never
// caches them across operations.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, collection string, tokenID uint64) (string, error)
	GetApproved(ctx context.Context, collection string, tokenID uint64) (string, error)
	TransferFrom(ctx context.Context, operator, from, to, collection string, tokenID uint64) error
}

// Payments moves settlement currency between accounts. Transfer runs the
// recipient's payment hook; Refund does not, so compensation of a failed
// operation cannot be vetoed by receiver code.
type Payments interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	Refund(ctx context.Context, from, to string, amount decimal.Decimal) error
}

// ItemKey uniquely identifies one item: at most one active listing exists per
// key at any time.
type ItemKey struct {
	Collection string
	TokenID    uint64
}

// Listing is an active offer to sell one item. The zero value is the
// tombstone: a listing with zero price is by definition absent.
type Listing struct {
	Seller string
	Price  decimal.Decimal
}

// Active reports whether the listing exists. Price above zero is both the
// creation precondition and the liveness predicate.
func (l Listing) Active() bool {
	return l.Price.IsPositive()
}

// Market owns the listing registry and the proceeds ledger. Nothing else
// mutates either store. All value-transferring operations mutate the stores
// first and interact with external code (asset transfer, currency payout)
// only afterwards, outside the market lock, so reentrant calls made from
// transfer hooks always observe committed post-state.
type Market struct {
	registry AssetRegistry
	payments Payments
	sink     messaging.Sink
	log      *zap.Logger

	// addr is the market's own account: the approval target for listings
	// and the escrow account holding not-yet-withdrawn proceeds.
	addr string

	mu       sync.Mutex
	listings map[ItemKey]Listing
	proceeds map[string]decimal.Decimal
}

// New creates a market operating as the given account address.
func New(addr string, registry AssetRegistry, payments Payments, sink messaging.Sink, log *zap.Logger) *Market {
	if log == nil {
		log = zap.NewNop()
	}
	return &Market{
		registry: registry,
		payments: payments,
		sink:     sink,
		log:      log,
		addr:     addr,
		listings: make(map[ItemKey]Listing),
		proceeds: make(map[string]decimal.Decimal),
	}
}

// Address returns the market's own account address.
func (m *Market) Address() string {
	return m.addr
}

// ListItem registers an item for sale. The caller must currently own the
// item, the item must not be listed, the market must be the approved
// operator, and the price must be positive.
func (m *Market) ListItem(ctx context.Context, caller, collection string, tokenID uint64, price decimal.Decimal) error {
	key := ItemKey{Collection: collection, TokenID: tokenID}

	m.mu.Lock()
	if err := m.checkListable(ctx, caller, key, price); err != nil {
		m.mu.Unlock()
		return err
	}
	m.listings[key] = Listing{Seller: caller, Price: price}
	m.mu.Unlock()

	ev := messaging.NewEvent(messaging.EventTypeItemListed)
	ev.Collection = collection
	ev.TokenID = tokenID
	ev.Seller = caller
	ev.Price = price.String()
	m.emit(ctx, ev)
	return nil
}

func (m *Market) checkListable(ctx context.Context, caller string, key ItemKey, price decimal.Decimal) error {
	if m.listings[key].Active() {
		return fmt.Errorf("%s/%d: %w", key.Collection, key.TokenID, ErrAlreadyListed)
	}

	owner, err := m.registry.OwnerOf(ctx, key.Collection, key.TokenID)
	if err != nil {
		return fmt.Errorf("lookup owner of %s/%d: %w", key.Collection, key.TokenID, err)
	}
	if owner != caller {
		return fmt.Errorf("%s/%d owned by %s: %w", key.Collection, key.TokenID, owner, ErrNotOwner)
	}

	if !price.IsPositive() {
		return ErrPriceMustBeAboveZero
	}

	approved, err := m.registry.GetApproved(ctx, key.Collection, key.TokenID)
	if err != nil {
		return fmt.Errorf("lookup approval of %s/%d: %w", key.Collection, key.TokenID, err)
	}
	if approved != m.addr {
		return fmt.Errorf("%s/%d: %w", key.Collection, key.TokenID, ErrNotApprovedForMarketplace)
	}
	return nil
}

// CancelListing removes an active listing. Only the original seller may
// cancel, and only while still the item's current owner.
func (m *Market) CancelListing(ctx context.Context, caller, collection string, tokenID uint64) error {
	key := ItemKey{Collection: collection, TokenID: tokenID}

	m.mu.Lock()
	listing := m.listings[key]
	if !listing.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%s/%d: %w", collection, tokenID, ErrNotListed)
	}
	if err := m.requireSellerAndOwner(ctx, caller, listing, collection, tokenID); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.listings, key)
	m.mu.Unlock()

	ev := messaging.NewEvent(messaging.EventTypeListingCancelled)
	ev.Collection = collection
	ev.TokenID = tokenID
	ev.Seller = caller
	m.emit(ctx, ev)
	return nil
}

// UpdateListing replaces the price of an active listing in place. Seller and
// key are unchanged.
func (m *Market) UpdateListing(ctx context.Context, caller, collection string, tokenID uint64, newPrice decimal.Decimal) error {
	key := ItemKey{Collection: collection, TokenID: tokenID}

	m.mu.Lock()
	listing := m.listings[key]
	if !listing.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%s/%d: %w", collection, tokenID, ErrNotListed)
	}
	if err := m.requireSellerAndOwner(ctx, caller, listing, collection, tokenID); err != nil {
		m.mu.Unlock()
		return err
	}
	if !newPrice.IsPositive() {
		m.mu.Unlock()
		return ErrPriceMustBeAboveZero
	}
	listing.Price = newPrice
	m.listings[key] = listing
	m.mu.Unlock()

	ev := messaging.NewEvent(messaging.EventTypeListingUpdated)
	ev.Collection = collection
	ev.TokenID = tokenID
	ev.Seller = listing.Seller
	ev.Price = newPrice.String()
	m.emit(ctx, ev)
	return nil
}

// A listing that survived an out-of-band ownership change must still only be
// touched by the original lister who is still the owner.
func (m *Market) requireSellerAndOwner(ctx context.Context, caller string, listing Listing, collection string, tokenID uint64) error {
	if listing.Seller != caller {
		return fmt.Errorf("%s is not the seller: %w", caller, ErrNotOwner)
	}
	owner, err := m.registry.OwnerOf(ctx, collection, tokenID)
	if err != nil {
		return fmt.Errorf("lookup owner of %s/%d: %w", collection, tokenID, err)
	}
	if owner != caller {
		return fmt.Errorf("%s no longer owns %s/%d: %w", caller, collection, tokenID, ErrNotOwner)
	}
	return nil
}

// BuyItem purchases a listed item for at least its listing price. Overpayment
// is accepted; the excess is forfeited to the seller's proceeds.
//
// The listing is deleted and the seller's proceeds credited before the
// payment pull and the asset transfer run, because both cross a trust
// boundary: by the time any reentrant call can occur the listing no longer
// exists, so double-settlement is structurally impossible. Failure of either
// external call undoes every effect.
func (m *Market) BuyItem(ctx context.Context, buyer, collection string, tokenID uint64, paid decimal.Decimal) error {
	key := ItemKey{Collection: collection, TokenID: tokenID}

	m.mu.Lock()
	listing := m.listings[key]
	if !listing.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%s/%d: %w", collection, tokenID, ErrNotListed)
	}
	if paid.LessThan(listing.Price) {
		m.mu.Unlock()
		return fmt.Errorf("paid %s, price %s: %w", paid, listing.Price, ErrNotEnoughFunds)
	}

	m.proceeds[listing.Seller] = m.proceeds[listing.Seller].Add(paid)
	delete(m.listings, key)
	m.mu.Unlock()

	// Pull the payment into escrow.
	if err := m.payments.Transfer(ctx, buyer, m.addr, paid); err != nil {
		m.undoSale(key, listing, paid)
		if errors.Is(err, bank.ErrInsufficientFunds) {
			return fmt.Errorf("payment for %s/%d: %w", collection, tokenID, ErrNotEnoughFunds)
		}
		return fmt.Errorf("payment for %s/%d: %v: %w", collection, tokenID, err, ErrTransferFailed)
	}

	// Hand the item over. This may run buyer-controlled receiver code.
	if err := m.registry.TransferFrom(ctx, m.addr, listing.Seller, buyer, collection, tokenID); err != nil {
		m.undoSale(key, listing, paid)
		// Hook-free: the buyer's own payment hook must not be able to
		// block the return of the buyer's money.
		if refundErr := m.payments.Refund(ctx, m.addr, buyer, paid); refundErr != nil {
			m.log.Error("refund after failed asset transfer",
				zap.String("buyer", buyer),
				zap.String("amount", paid.String()),
				zap.Error(refundErr))
		}
		return fmt.Errorf("asset transfer for %s/%d: %v: %w", collection, tokenID, err, ErrTransferFailed)
	}

	ev := messaging.NewEvent(messaging.EventTypeItemBought)
	ev.Collection = collection
	ev.TokenID = tokenID
	ev.Seller = listing.Seller
	ev.Buyer = buyer
	ev.Price = listing.Price.String()
	ev.Amount = paid.String()
	m.emit(ctx, ev)
	return nil
}

// undoSale compensates the buy effects after a failed external call.
func (m *Market) undoSale(key ItemKey, listing Listing, paid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[key] = listing
	remaining := m.proceeds[listing.Seller].Sub(paid)
	if remaining.IsNegative() {
		// A reentrant withdrawal drained the credit before the abort.
		m.log.Error("proceeds went negative during sale rollback",
			zap.String("seller", listing.Seller),
			zap.String("shortfall", remaining.Neg().String()))
		remaining = decimal.Zero
	}
	if remaining.IsZero() {
		delete(m.proceeds, listing.Seller)
	} else {
		m.proceeds[listing.Seller] = remaining
	}
}

// WithdrawProceeds pays the caller's accumulated proceeds out of escrow. The
// balance is zeroed before the payout so a reentrant withdrawal finds
// nothing; a failed payout restores it.
func (m *Market) WithdrawProceeds(ctx context.Context, caller string) error {
	m.mu.Lock()
	amount := m.proceeds[caller]
	if !amount.IsPositive() {
		m.mu.Unlock()
		return fmt.Errorf("account %s: %w", caller, ErrNoProceeds)
	}
	delete(m.proceeds, caller)
	m.mu.Unlock()

	if err := m.payments.Transfer(ctx, m.addr, caller, amount); err != nil {
		m.mu.Lock()
		m.proceeds[caller] = m.proceeds[caller].Add(amount)
		m.mu.Unlock()
		return fmt.Errorf("payout to %s: %v: %w", caller, err, ErrTransferFailed)
	}

	ev := messaging.NewEvent(messaging.EventTypeProceedsWithdrawn)
	ev.Account = caller
	ev.Amount = amount.String()
	m.emit(ctx, ev)
	return nil
}

// GetListing returns the listing for the key. A zero-price listing means the
// item is not listed. Never fails.
func (m *Market) GetListing(collection string, tokenID uint64) Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listings[ItemKey{Collection: collection, TokenID: tokenID}]
}

// GetProceeds returns the withdrawable balance owed to the account. Never
// fails; unknown accounts read as zero.
func (m *Market) GetProceeds(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proceeds[account]
}

// OutstandingProceeds returns the sum of all proceeds balances. It must
// never exceed the currency held by the market's escrow account.
func (m *Market) OutstandingProceeds() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, bal := range m.proceeds {
		total = total.Add(bal)
	}
	return total
}

func (m *Market) emit(ctx context.Context, ev messaging.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Publish(ctx, ev); err != nil {
		m.log.Warn("publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}
