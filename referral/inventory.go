/*
inventory.go - Gift inventory

PURPOSE:
  Some referrers prefer a gift (electric toothbrush, whitening voucher) to
  cash. A gift item carries a cost (what the clinic paid, internal) and a
  gift value (what is credited as the reward). Redeeming an item credits
  gift_value × quantity and consumes stock.

STOCK RULES:
  - Stock 0 means unlimited and is never decremented.
  - Finite stock is decremented by the redeemed quantity, floored at 0.
    Asking for more than is left is NOT rejected; remaining stock just
    becomes 0.

ORDERING:
  Active items are listed by category, then name.

SEE ALSO:
  - lifecycle.go: Pay uses a Redemption as the reward amount
  - service.go: PayReward persists the new stock in the same transaction
*/
package referral

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Redemption is the outcome of redeeming a gift item.
type Redemption struct {
	GiftID   GiftID
	Label    string
	Quantity int
	Credited decimal.Decimal
	NewStock int
}

// Redeem computes the credit and remaining stock for quantity units of item.
// item must be non-nil; inactive items are reported as not found.
func Redeem(item *GiftItem, quantity int) (Redemption, error) {
	if quantity < 1 {
		return Redemption{}, invalid("quantity", "must be at least 1")
	}
	if !item.Active {
		return Redemption{}, notFound(KindGift, int64(item.ID))
	}

	newStock := item.Stock
	if !item.Unlimited() {
		newStock -= quantity
		if newStock < 0 {
			newStock = 0
		}
	}

	return Redemption{
		GiftID:   item.ID,
		Label:    GiftLabel(item, quantity),
		Quantity: quantity,
		Credited: RoundMoney(item.GiftValue.Mul(decimal.NewFromInt(int64(quantity)))),
		NewStock: newStock,
	}, nil
}

// GiftLabel renders "category/name x2". Quantity 1 has no suffix.
func GiftLabel(item *GiftItem, quantity int) string {
	label := item.Name
	if item.Category != "" {
		label = item.Category + "/" + item.Name
	}
	if quantity > 1 {
		label = fmt.Sprintf("%s x%d", label, quantity)
	}
	return label
}

// SortGifts orders items by category then name, in place.
func SortGifts(items []GiftItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})
}

// normalizeGift applies defaults: gift value falls back to cost.
func normalizeGift(g *GiftItem) {
	if g.GiftValue.IsZero() {
		g.GiftValue = g.Cost
	}
	g.Cost = RoundMoney(g.Cost)
	g.GiftValue = RoundMoney(g.GiftValue)
}
