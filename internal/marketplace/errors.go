package marketplace

import "errors"

var (
	ErrNotOwner                  = errors.New("caller is not the item owner")
	ErrNotApprovedForMarketplace = errors.New("item not approved for marketplace")
	ErrAlreadyListed             = errors.New("item already listed")
	ErrNotListed                 = errors.New("item not listed")
	ErrPriceMustBeAboveZero      = errors.New("price must be above zero")
	ErrNotEnoughFunds            = errors.New("payment below listing price")
	ErrNoProceeds                = errors.New("no proceeds to withdraw")
	ErrTransferFailed            = errors.New("transfer failed")
)
