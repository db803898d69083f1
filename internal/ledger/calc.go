package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Derived-field computation. Every function here is a pure fold over the
// full transaction history of one asset: callers recompute from scratch
// after each write instead of patching the previous value, so the result
// is identical no matter how many edits preceded it.

func purchaseTransactions(transactions []GroupTransaction, assetID string) []GroupTransaction {
	return assetTransactions(transactions, assetID, TransactionTypeAssetPurchase)
}

func saleTransactions(transactions []GroupTransaction, assetID string) []GroupTransaction {
	return assetTransactions(transactions, assetID, TransactionTypeAssetSale)
}

func assetTransactions(transactions []GroupTransaction, assetID string, txType TransactionType) []GroupTransaction {
	var matched []GroupTransaction
	for _, tx := range transactions {
		if tx.Type != txType {
			continue
		}
		if tx.FixedIncomeTransaction == nil || tx.FixedIncomeTransaction.AssetID != assetID {
			continue
		}
		matched = append(matched, tx)
	}
	return matched
}

func sumQuantity(transactions []GroupTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range transactions {
		total = total.Add(tx.FixedIncomeTransaction.Amount)
	}
	return total
}

// sumCashMagnitude totals the absolute cash-leg values. Cash legs are
// stored signed (purchases negative, sales positive); proceeds are
// magnitudes.
func sumCashMagnitude(transactions []GroupTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range transactions {
		if tx.CashTransaction == nil {
			continue
		}
		total = total.Add(tx.CashTransaction.Amount.Abs())
	}
	return total
}

// sumFeeMagnitude totals the absolute fee values attached to the given
// transactions. Fee amounts are stored negative.
func sumFeeMagnitude(transactions []GroupTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range transactions {
		for _, fee := range tx.Fees {
			total = total.Add(fee.Amount.Abs())
		}
	}
	return total
}

// computePurchaseProceeds is the total acquisition cost of the asset: cash
// paid out on purchases plus fees incurred on those purchases.
func computePurchaseProceeds(transactions []GroupTransaction, assetID string) decimal.Decimal {
	purchases := purchaseTransactions(transactions, assetID)
	return sumCashMagnitude(purchases).Add(sumFeeMagnitude(purchases))
}

// computeSalesProceeds is the net cash realized from sales: cash received
// minus fees incurred on those sales.
func computeSalesProceeds(transactions []GroupTransaction, assetID string) decimal.Decimal {
	sales := saleTransactions(transactions, assetID)
	return sumCashMagnitude(sales).Sub(sumFeeMagnitude(sales))
}

// computeAssetProceeds is gross sale cash minus gross purchase cash,
// before fees.
func computeAssetProceeds(transactions []GroupTransaction, assetID string) decimal.Decimal {
	sales := sumCashMagnitude(saleTransactions(transactions, assetID))
	purchases := sumCashMagnitude(purchaseTransactions(transactions, assetID))
	return sales.Sub(purchases)
}

// computePurchasePrice is the average unit cost: purchase proceeds divided
// by total purchased quantity, or zero when nothing has been purchased.
func computePurchasePrice(transactions []GroupTransaction, assetID string) decimal.Decimal {
	quantity := sumQuantity(purchaseTransactions(transactions, assetID))
	if quantity.IsZero() {
		return decimal.Zero
	}
	return computePurchaseProceeds(transactions, assetID).Div(quantity)
}

// computeNotional is the average unit cost times the net held quantity
// (purchased minus sold).
func computeNotional(transactions []GroupTransaction, assetID string) decimal.Decimal {
	held := sumQuantity(purchaseTransactions(transactions, assetID)).
		Sub(sumQuantity(saleTransactions(transactions, assetID)))
	return computePurchasePrice(transactions, assetID).Mul(held)
}

// computeTotalDiscount is the notional minus the net cost basis still tied
// up in the position.
func computeTotalDiscount(transactions []GroupTransaction, assetID string) decimal.Decimal {
	net := computePurchaseProceeds(transactions, assetID).
		Sub(computeSalesProceeds(transactions, assetID))
	return computeNotional(transactions, assetID).Sub(net)
}

// computeRealizedSurplus is the gain realized by sales over acquisition
// cost, floored at zero.
func computeRealizedSurplus(transactions []GroupTransaction, assetID string) decimal.Decimal {
	surplus := computeSalesProceeds(transactions, assetID).
		Sub(computePurchaseProceeds(transactions, assetID))
	if surplus.IsNegative() {
		return decimal.Zero
	}
	return surplus
}

// computePurchaseDate is the quantity-weighted average entry time of the
// asset's purchase legs, rounded to the nearest UTC day boundary. It
// returns the empty string when there are no purchases to average.
func computePurchaseDate(transactions []GroupTransaction, assetID string) (string, error) {
	purchases := purchaseTransactions(transactions, assetID)
	totalQuantity := sumQuantity(purchases)
	if len(purchases) == 0 || totalQuantity.IsZero() {
		return "", nil
	}
	weighted := decimal.Zero
	for _, tx := range purchases {
		leg := tx.FixedIncomeTransaction
		entry, err := time.Parse(time.RFC3339, leg.EntryTime)
		if err != nil {
			return "", err
		}
		millis := decimal.NewFromInt(entry.UnixMilli())
		weighted = weighted.Add(millis.Mul(leg.Amount))
	}
	average := weighted.Div(totalQuantity).Round(0).IntPart()
	return roundToDay(time.UnixMilli(average).UTC()), nil
}

// roundToDay snaps an instant to the nearest UTC midnight: midday and
// later rounds forward, earlier rounds back.
func roundToDay(instant time.Time) string {
	day := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, time.UTC)
	if instant.Hour() >= 12 {
		day = day.AddDate(0, 0, 1)
	}
	return day.Format(time.RFC3339)
}

// recomputeAssetDerivedFields refreshes every derived field on the asset
// from the full transaction history.
func recomputeAssetDerivedFields(state *State, assetID string) error {
	asset := state.fixedIncomeAsset(assetID)
	if asset == nil {
		return nil
	}
	purchaseDate, err := computePurchaseDate(state.Transactions, assetID)
	if err != nil {
		return err
	}
	asset.PurchaseDate = purchaseDate
	asset.PurchaseProceeds = computePurchaseProceeds(state.Transactions, assetID)
	asset.SalesProceeds = computeSalesProceeds(state.Transactions, assetID)
	asset.AssetProceeds = computeAssetProceeds(state.Transactions, assetID)
	asset.PurchasePrice = computePurchasePrice(state.Transactions, assetID)
	asset.Notional = computeNotional(state.Transactions, assetID)
	asset.TotalDiscount = computeTotalDiscount(state.Transactions, assetID)
	asset.RealizedSurplus = computeRealizedSurplus(state.Transactions, assetID)
	return nil
}
