package marketplace_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/nftmarket/internal/bank"
	"github.com/terminal-bench/nftmarket/internal/marketplace"
	"github.com/terminal-bench/nftmarket/internal/registry"
	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

const (
	seller = "0xseller"
	buyer  = "0xbuyer"
)

var price = decimal.RequireFromString("0.1")

type fixture struct {
	registry   *registry.Registry
	bank       *bank.Bank
	market     *marketplace.Market
	recorder   *messaging.Recorder
	collection string
	tokenID    uint64
}

// newFixture mints one token to the seller, approves the marketplace for it,
// and funds the buyer generously.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.New()
	funds := bank.New()
	rec := messaging.NewRecorder()
	market := marketplace.New("0xmarket", reg, funds, rec, nil)

	col := reg.Deploy("Basic NFT", "BNFT", "ipfs://basic-nft/")
	tokenID, err := reg.Mint(ctx, col.ID, seller)
	require.NoError(t, err)
	require.NoError(t, reg.Approve(ctx, seller, market.Address(), col.ID, tokenID))
	require.NoError(t, funds.Deposit(buyer, decimal.NewFromInt(100)))

	return &fixture{
		registry:   reg,
		bank:       funds,
		market:     market,
		recorder:   rec,
		collection: col.ID,
		tokenID:    tokenID,
	}
}

func (f *fixture) list(t *testing.T) {
	t.Helper()
	require.NoError(t, f.market.ListItem(context.Background(), seller, f.collection, f.tokenID, price))
}

func TestListItem(t *testing.T) {
	ctx := context.Background()

	t.Run("stores seller and price", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		listing := f.market.GetListing(f.collection, f.tokenID)
		assert.True(t, listing.Active())
		assert.Equal(t, seller, listing.Seller)
		assert.True(t, price.Equal(listing.Price))

		events := f.recorder.ByType(messaging.EventTypeItemListed)
		require.Len(t, events, 1)
		assert.Equal(t, seller, events[0].Seller)
		assert.Equal(t, price.String(), events[0].Price)
	})

	t.Run("rejects non-owner", func(t *testing.T) {
		f := newFixture(t)
		err := f.market.ListItem(ctx, buyer, f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrNotOwner)
		assert.False(t, f.market.GetListing(f.collection, f.tokenID).Active())
	})

	t.Run("rejects unapproved item", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.registry.Approve(ctx, seller, "", f.collection, f.tokenID))

		err := f.market.ListItem(ctx, seller, f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrNotApprovedForMarketplace)
		assert.False(t, f.market.GetListing(f.collection, f.tokenID).Active())
	})

	t.Run("rejects non-positive price", func(t *testing.T) {
		f := newFixture(t)
		err := f.market.ListItem(ctx, seller, f.collection, f.tokenID, decimal.Zero)
		assert.ErrorIs(t, err, marketplace.ErrPriceMustBeAboveZero)

		err = f.market.ListItem(ctx, seller, f.collection, f.tokenID, decimal.NewFromInt(-1))
		assert.ErrorIs(t, err, marketplace.ErrPriceMustBeAboveZero)
	})

	t.Run("rejects double listing", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.ListItem(ctx, seller, f.collection, f.tokenID, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, marketplace.ErrAlreadyListed)

		// Original listing untouched.
		listing := f.market.GetListing(f.collection, f.tokenID)
		assert.True(t, price.Equal(listing.Price))
	})
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()

	t.Run("seller cancels", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		require.NoError(t, f.market.CancelListing(ctx, seller, f.collection, f.tokenID))
		assert.False(t, f.market.GetListing(f.collection, f.tokenID).Active())

		events := f.recorder.ByType(messaging.EventTypeListingCancelled)
		require.Len(t, events, 1)
		assert.Equal(t, seller, events[0].Seller)
	})

	t.Run("rejects non-seller", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.CancelListing(ctx, buyer, f.collection, f.tokenID)
		assert.ErrorIs(t, err, marketplace.ErrNotOwner)
		assert.True(t, f.market.GetListing(f.collection, f.tokenID).Active())
	})

	t.Run("rejects seller who lost ownership out of band", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		// Seller transfers the token away directly, bypassing the market.
		require.NoError(t, f.registry.TransferFrom(ctx, seller, seller, "0xother", f.collection, f.tokenID))

		err := f.market.CancelListing(ctx, seller, f.collection, f.tokenID)
		assert.ErrorIs(t, err, marketplace.ErrNotOwner)
	})

	t.Run("second cancel fails with NotListed", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		require.NoError(t, f.market.CancelListing(ctx, seller, f.collection, f.tokenID))
		err := f.market.CancelListing(ctx, seller, f.collection, f.tokenID)
		assert.ErrorIs(t, err, marketplace.ErrNotListed)
	})
}

func TestUpdateListing(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces price only", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		newPrice := decimal.RequireFromString("0.2")
		require.NoError(t, f.market.UpdateListing(ctx, seller, f.collection, f.tokenID, newPrice))

		listing := f.market.GetListing(f.collection, f.tokenID)
		assert.Equal(t, seller, listing.Seller)
		assert.True(t, newPrice.Equal(listing.Price))

		events := f.recorder.ByType(messaging.EventTypeListingUpdated)
		require.Len(t, events, 1)
		assert.Equal(t, newPrice.String(), events[0].Price)
	})

	t.Run("rejects non-positive price", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.UpdateListing(ctx, seller, f.collection, f.tokenID, decimal.Zero)
		assert.ErrorIs(t, err, marketplace.ErrPriceMustBeAboveZero)
		assert.True(t, price.Equal(f.market.GetListing(f.collection, f.tokenID).Price))
	})

	t.Run("rejects non-seller", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.UpdateListing(ctx, buyer, f.collection, f.tokenID, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, marketplace.ErrNotOwner)
	})

	t.Run("rejects unlisted item", func(t *testing.T) {
		f := newFixture(t)
		err := f.market.UpdateListing(ctx, seller, f.collection, f.tokenID, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, marketplace.ErrNotListed)
	})
}

func TestBuyItem(t *testing.T) {
	ctx := context.Background()

	t.Run("exact payment settles atomically", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

		owner, err := f.registry.OwnerOf(ctx, f.collection, f.tokenID)
		require.NoError(t, err)
		assert.Equal(t, buyer, owner)

		assert.True(t, price.Equal(f.market.GetProceeds(seller)))
		assert.False(t, f.market.GetListing(f.collection, f.tokenID).Active())
		assert.True(t, price.Equal(f.bank.BalanceOf(f.market.Address())))

		events := f.recorder.ByType(messaging.EventTypeItemBought)
		require.Len(t, events, 1)
		assert.Equal(t, buyer, events[0].Buyer)
		assert.Equal(t, seller, events[0].Seller)
		assert.Equal(t, price.String(), events[0].Price)
	})

	t.Run("overpayment is forfeited to the seller", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		paid := decimal.RequireFromString("0.15")
		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, paid))
		assert.True(t, paid.Equal(f.market.GetProceeds(seller)))
	})

	t.Run("underpayment fails with no state change", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, decimal.RequireFromString("0.01"))
		assert.ErrorIs(t, err, marketplace.ErrNotEnoughFunds)

		owner, lookupErr := f.registry.OwnerOf(ctx, f.collection, f.tokenID)
		require.NoError(t, lookupErr)
		assert.Equal(t, seller, owner)
		assert.True(t, f.market.GetProceeds(seller).IsZero())
		assert.True(t, f.market.GetListing(f.collection, f.tokenID).Active())
	})

	t.Run("unlisted item fails", func(t *testing.T) {
		f := newFixture(t)
		err := f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrNotListed)
	})

	t.Run("buyer without funds fails and listing survives", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		err := f.market.BuyItem(ctx, "0xbroke", f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrNotEnoughFunds)

		assert.True(t, f.market.GetListing(f.collection, f.tokenID).Active())
		assert.True(t, f.market.GetProceeds(seller).IsZero())
	})

	t.Run("rejected receiver rolls everything back", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		buyerBefore := f.bank.BalanceOf(buyer)
		f.registry.SetReceiverHook(buyer, func(ctx context.Context, from, collection string, tokenID uint64) error {
			return errors.New("receiver rejects")
		})

		err := f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrTransferFailed)

		owner, lookupErr := f.registry.OwnerOf(ctx, f.collection, f.tokenID)
		require.NoError(t, lookupErr)
		assert.Equal(t, seller, owner)
		assert.True(t, f.market.GetListing(f.collection, f.tokenID).Active())
		assert.True(t, f.market.GetProceeds(seller).IsZero())
		assert.True(t, buyerBefore.Equal(f.bank.BalanceOf(buyer)))
		assert.True(t, f.bank.BalanceOf(f.market.Address()).IsZero())
	})

	t.Run("refund survives a rejecting payment hook", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		// A buyer rejecting both the token and the refund must not be
		// able to strand the payment in escrow.
		buyerBefore := f.bank.BalanceOf(buyer)
		f.registry.SetReceiverHook(buyer, func(ctx context.Context, from, collection string, tokenID uint64) error {
			return errors.New("receiver rejects")
		})
		f.bank.SetPaymentHook(buyer, func(ctx context.Context, from string, amount decimal.Decimal) error {
			return errors.New("payment rejected")
		})

		err := f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price)
		assert.ErrorIs(t, err, marketplace.ErrTransferFailed)

		owner, lookupErr := f.registry.OwnerOf(ctx, f.collection, f.tokenID)
		require.NoError(t, lookupErr)
		assert.Equal(t, seller, owner)
		assert.True(t, f.market.GetListing(f.collection, f.tokenID).Active())
		assert.True(t, f.market.GetProceeds(seller).IsZero())
		assert.True(t, buyerBefore.Equal(f.bank.BalanceOf(buyer)))
		assert.True(t, f.bank.BalanceOf(f.market.Address()).IsZero())
	})
}

func TestWithdrawProceeds(t *testing.T) {
	ctx := context.Background()

	t.Run("zero balance fails", func(t *testing.T) {
		f := newFixture(t)
		err := f.market.WithdrawProceeds(ctx, seller)
		assert.ErrorIs(t, err, marketplace.ErrNoProceeds)
	})

	t.Run("pays out the full balance", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)
		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

		sellerBefore := f.bank.BalanceOf(seller)
		require.NoError(t, f.market.WithdrawProceeds(ctx, seller))

		assert.True(t, f.market.GetProceeds(seller).IsZero())
		assert.True(t, sellerBefore.Add(price).Equal(f.bank.BalanceOf(seller)))
		assert.True(t, f.bank.BalanceOf(f.market.Address()).IsZero())

		events := f.recorder.ByType(messaging.EventTypeProceedsWithdrawn)
		require.Len(t, events, 1)
		assert.Equal(t, seller, events[0].Account)
		assert.Equal(t, price.String(), events[0].Amount)
	})

	t.Run("failed payout restores the balance", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)
		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

		f.bank.SetPaymentHook(seller, func(ctx context.Context, from string, amount decimal.Decimal) error {
			return errors.New("payment bounced")
		})

		err := f.market.WithdrawProceeds(ctx, seller)
		assert.ErrorIs(t, err, marketplace.ErrTransferFailed)

		assert.True(t, price.Equal(f.market.GetProceeds(seller)))
		assert.True(t, price.Equal(f.bank.BalanceOf(f.market.Address())))
		assert.True(t, f.bank.BalanceOf(seller).IsZero())
	})
}

func TestReentrancy(t *testing.T) {
	ctx := context.Background()

	t.Run("reentrant buy finds the listing already gone", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)

		var reentrantErr error
		calls := 0
		f.registry.SetReceiverHook(buyer, func(ctx context.Context, from, collection string, tokenID uint64) error {
			calls++
			if calls == 1 {
				reentrantErr = f.market.BuyItem(ctx, buyer, collection, tokenID, price)
			}
			return nil
		})

		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

		assert.ErrorIs(t, reentrantErr, marketplace.ErrNotListed)
		// Credited exactly once.
		assert.True(t, price.Equal(f.market.GetProceeds(seller)))
		assert.True(t, price.Equal(f.bank.BalanceOf(f.market.Address())))
	})

	t.Run("reentrant withdrawal finds the balance already zero", func(t *testing.T) {
		f := newFixture(t)
		f.list(t)
		require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

		var reentrantErr error
		calls := 0
		f.bank.SetPaymentHook(seller, func(ctx context.Context, from string, amount decimal.Decimal) error {
			calls++
			if calls == 1 {
				reentrantErr = f.market.WithdrawProceeds(ctx, seller)
			}
			return nil
		})

		require.NoError(t, f.market.WithdrawProceeds(ctx, seller))

		assert.ErrorIs(t, reentrantErr, marketplace.ErrNoProceeds)
		// Paid exactly once.
		assert.True(t, price.Equal(f.bank.BalanceOf(seller)))
		assert.True(t, f.bank.BalanceOf(f.market.Address()).IsZero())
	})
}

func TestProceedsInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Several sales across two tokens, one withdrawal in between. At every
	// step the escrow must hold at least the outstanding proceeds.
	checkInvariant := func() {
		t.Helper()
		held := f.bank.BalanceOf(f.market.Address())
		outstanding := f.market.OutstandingProceeds()
		assert.True(t, outstanding.LessThanOrEqual(held),
			"outstanding %s exceeds held %s", outstanding, held)
	}

	second, err := f.registry.Mint(ctx, f.collection, seller)
	require.NoError(t, err)
	require.NoError(t, f.registry.Approve(ctx, seller, f.market.Address(), f.collection, second))

	f.list(t)
	require.NoError(t, f.market.ListItem(ctx, seller, f.collection, second, price))
	checkInvariant()

	require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))
	checkInvariant()

	require.NoError(t, f.market.WithdrawProceeds(ctx, seller))
	checkInvariant()

	require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, second, price))
	checkInvariant()

	assert.True(t, price.Equal(f.market.OutstandingProceeds()))
	assert.True(t, price.Equal(f.bank.BalanceOf(f.market.Address())))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyerBefore := f.bank.BalanceOf(buyer)

	f.list(t)
	require.NoError(t, f.market.BuyItem(ctx, buyer, f.collection, f.tokenID, price))

	owner, err := f.registry.OwnerOf(ctx, f.collection, f.tokenID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)
	assert.True(t, price.Equal(f.market.GetProceeds(seller)))
	assert.False(t, f.market.GetListing(f.collection, f.tokenID).Active())

	require.NoError(t, f.market.WithdrawProceeds(ctx, seller))
	assert.True(t, f.market.GetProceeds(seller).IsZero())
	assert.True(t, price.Equal(f.bank.BalanceOf(seller)))
	assert.True(t, buyerBefore.Sub(price).Equal(f.bank.BalanceOf(buyer)))
}
