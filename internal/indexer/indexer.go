package indexer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

// Indexer maintains a Redis read model of active listings from the event
// stream, for external consumers that want cheap queries without touching
// the marketplace. It is write-only from the marketplace's point of view:
// nothing here ever feeds back into a marketplace decision.
type Indexer struct {
	rdb *redis.Client
}

// ActiveListing is the indexed view of one listed item.
type ActiveListing struct {
	Collection string
	TokenID    uint64
	Seller     string
	Price      string
}

func New(rdb *redis.Client) *Indexer {
	return &Indexer{rdb: rdb}
}

func listingKey(collection string, tokenID uint64) string {
	return fmt.Sprintf("listing:%s:%d", collection, tokenID)
}

func sellerKey(seller string) string {
	return "seller:" + seller
}

// Publish applies one marketplace event to the read model. Implements
// messaging.Sink.
func (ix *Indexer) Publish(ctx context.Context, event messaging.Event) error {
	key := listingKey(event.Collection, event.TokenID)

	switch event.Type {
	case messaging.EventTypeItemListed, messaging.EventTypeListingUpdated:
		pipe := ix.rdb.TxPipeline()
		pipe.HSet(ctx, key, "seller", event.Seller, "price", event.Price)
		pipe.SAdd(ctx, sellerKey(event.Seller), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index listing: %w", err)
		}
	case messaging.EventTypeListingCancelled, messaging.EventTypeItemBought:
		seller := event.Seller
		if seller == "" {
			var err error
			seller, err = ix.rdb.HGet(ctx, key, "seller").Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to look up indexed seller: %w", err)
			}
		}
		pipe := ix.rdb.TxPipeline()
		pipe.Del(ctx, key)
		if seller != "" {
			pipe.SRem(ctx, sellerKey(seller), key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop listing from index: %w", err)
		}
	}
	return nil
}

// Listing returns the indexed listing for an item, if present.
func (ix *Indexer) Listing(ctx context.Context, collection string, tokenID uint64) (ActiveListing, bool, error) {
	fields, err := ix.rdb.HGetAll(ctx, listingKey(collection, tokenID)).Result()
	if err != nil {
		return ActiveListing{}, false, fmt.Errorf("failed to read listing index: %w", err)
	}
	if len(fields) == 0 {
		return ActiveListing{}, false, nil
	}
	return ActiveListing{
		Collection: collection,
		TokenID:    tokenID,
		Seller:     fields["seller"],
		Price:      fields["price"],
	}, true, nil
}

// SellerListings returns the indexed listings of one seller.
func (ix *Indexer) SellerListings(ctx context.Context, seller string) ([]ActiveListing, error) {
	keys, err := ix.rdb.SMembers(ctx, sellerKey(seller)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seller index: %w", err)
	}

	var listings []ActiveListing
	for _, key := range keys {
		fields, err := ix.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read listing index: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		collection, tokenID, ok := parseListingKey(key)
		if !ok {
			continue
		}
		listings = append(listings, ActiveListing{
			Collection: collection,
			TokenID:    tokenID,
			Seller:     fields["seller"],
			Price:      fields["price"],
		})
	}
	return listings, nil
}

func parseListingKey(key string) (string, uint64, bool) {
	// listing:<collection>:<token>
	const prefix = "listing:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", 0, false
	}
	rest := key[len(prefix):]
	sep := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", 0, false
	}
	tokenID, err := strconv.ParseUint(rest[sep+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:sep], tokenID, true
}
