package ledger

import (
	"fmt"
	"time"

	"github.com/foldhaus/opfold/internal/reducer"
)

// legShape declares which legs an archetype carries. A transaction must
// include every required leg and none of the forbidden ones.
type legShape struct {
	cash        bool
	fixedIncome bool
	interest    bool
	feesAllowed bool
}

var legShapes = map[TransactionType]legShape{
	TransactionTypePrincipalDraw:   {cash: true, feesAllowed: true},
	TransactionTypePrincipalReturn: {cash: true, feesAllowed: true},
	TransactionTypeAssetPurchase:   {cash: true, fixedIncome: true, feesAllowed: true},
	TransactionTypeAssetSale:       {cash: true, fixedIncome: true, feesAllowed: true},
	TransactionTypeInterestDraw:    {interest: true},
	TransactionTypeInterestReturn:  {interest: true},
	TransactionTypeFeesPayment:     {feesAllowed: true},
	TransactionTypeFeesIncome:      {feesAllowed: true},
}

func validateGroupTransaction(state *State, tx GroupTransaction) error {
	if tx.ID == "" {
		return &reducer.MissingRequiredFieldError{Field: "id"}
	}
	shape, known := legShapes[tx.Type]
	if !known {
		return &reducer.InvariantViolationError{Rule: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
	if err := validateLegPresence(tx, shape); err != nil {
		return err
	}
	if tx.CashTransaction != nil {
		if err := validateCashLeg(state, tx); err != nil {
			return err
		}
	}
	if tx.FixedIncomeTransaction != nil {
		if err := validateFixedIncomeLeg(state, *tx.FixedIncomeTransaction); err != nil {
			return err
		}
	}
	if tx.InterestTransaction != nil {
		if err := validateInterestLeg(state, *tx.InterestTransaction); err != nil {
			return err
		}
	}
	if len(tx.Fees) > 0 && !shape.feesAllowed {
		return &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("%s transactions do not carry fees", tx.Type),
		}
	}
	for _, fee := range tx.Fees {
		if err := validateFee(state, fee); err != nil {
			return err
		}
	}
	if shape == (legShape{feesAllowed: true}) && len(tx.Fees) == 0 {
		return &reducer.MissingRequiredFieldError{Field: "fees"}
	}
	return nil
}

func validateLegPresence(tx GroupTransaction, shape legShape) error {
	if shape.cash && tx.CashTransaction == nil {
		return &reducer.MissingRequiredFieldError{Field: "cashTransaction"}
	}
	if !shape.cash && tx.CashTransaction != nil {
		return &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("%s transactions do not carry a cash leg", tx.Type),
		}
	}
	if shape.fixedIncome && tx.FixedIncomeTransaction == nil {
		return &reducer.MissingRequiredFieldError{Field: "fixedIncomeTransaction"}
	}
	if !shape.fixedIncome && tx.FixedIncomeTransaction != nil {
		return &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("%s transactions do not carry a fixed-income leg", tx.Type),
		}
	}
	if shape.interest && tx.InterestTransaction == nil {
		return &reducer.MissingRequiredFieldError{Field: "interestTransaction"}
	}
	if !shape.interest && tx.InterestTransaction != nil {
		return &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("%s transactions do not carry an interest leg", tx.Type),
		}
	}
	return nil
}

// validateCashLeg enforces the cash-leg sign per archetype and requires the
// counterparty to be the principal lender.
func validateCashLeg(state *State, tx GroupTransaction) error {
	leg := *tx.CashTransaction
	if err := validateLegCommon(leg); err != nil {
		return err
	}
	if state.cashAsset(leg.AssetID) == nil {
		return &reducer.ReferentialIntegrityError{Entity: "cash asset", ID: leg.AssetID}
	}
	switch tx.Type {
	case TransactionTypePrincipalDraw, TransactionTypeAssetSale:
		if leg.Amount.IsNegative() {
			return &reducer.InvariantViolationError{
				Rule: fmt.Sprintf("%s cash amount must be non-negative", tx.Type),
			}
		}
	case TransactionTypePrincipalReturn, TransactionTypeAssetPurchase:
		if leg.Amount.IsPositive() {
			return &reducer.InvariantViolationError{
				Rule: fmt.Sprintf("%s cash amount must be non-positive", tx.Type),
			}
		}
	}
	if tx.Type == TransactionTypePrincipalDraw || tx.Type == TransactionTypePrincipalReturn {
		if leg.CounterPartyAccountID != state.PrincipalLenderAccountID {
			return &reducer.InvariantViolationError{
				Rule: "principal transactions must settle against the principal lender account",
			}
		}
	}
	return nil
}

func validateFixedIncomeLeg(state *State, leg BaseTransaction) error {
	if err := validateLegCommon(leg); err != nil {
		return err
	}
	if state.fixedIncomeAsset(leg.AssetID) == nil {
		return &reducer.ReferentialIntegrityError{Entity: "fixed income asset", ID: leg.AssetID}
	}
	if !leg.Amount.IsPositive() {
		return &reducer.InvariantViolationError{Rule: "fixed-income quantity must be positive"}
	}
	return nil
}

func validateInterestLeg(state *State, leg BaseTransaction) error {
	if err := validateLegCommon(leg); err != nil {
		return err
	}
	if state.fixedIncomeAsset(leg.AssetID) == nil {
		return &reducer.ReferentialIntegrityError{Entity: "fixed income asset", ID: leg.AssetID}
	}
	if !leg.Amount.IsPositive() {
		return &reducer.InvariantViolationError{Rule: "interest amount must be positive"}
	}
	if leg.CounterPartyAccountID != "" && state.account(leg.CounterPartyAccountID) == nil {
		return &reducer.ReferentialIntegrityError{Entity: "account", ID: leg.CounterPartyAccountID}
	}
	return nil
}

func validateLegCommon(leg BaseTransaction) error {
	if leg.ID == "" {
		return &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if leg.AssetID == "" {
		return &reducer.MissingRequiredFieldError{Field: "assetId"}
	}
	if leg.EntryTime == "" {
		return &reducer.MissingRequiredFieldError{Field: "entryTime"}
	}
	if _, err := time.Parse(time.RFC3339, leg.EntryTime); err != nil {
		return &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("entryTime %q is not a valid RFC 3339 timestamp", leg.EntryTime),
		}
	}
	return nil
}

func validateFee(state *State, fee TransactionFee) error {
	if fee.ID == "" {
		return &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if fee.ServiceProviderFeeTypeID == "" {
		return &reducer.MissingRequiredFieldError{Field: "serviceProviderFeeTypeId"}
	}
	if state.serviceProviderFeeType(fee.ServiceProviderFeeTypeID) == nil {
		return &reducer.ReferentialIntegrityError{
			Entity: "service provider fee type",
			ID:     fee.ServiceProviderFeeTypeID,
		}
	}
	if !fee.Amount.IsNegative() {
		return &reducer.InvariantViolationError{Rule: "fee amounts must be negative"}
	}
	return nil
}
