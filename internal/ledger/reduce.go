package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/foldhaus/opfold/internal/reducer"
)

// Model wires the fixed-income portfolio document type into the reducer
// registry. All handlers are pure: they clone the incoming state, mutate
// the clone, and recompute derived fields from the full history before
// returning.
type Model struct{}

// NewModel returns the portfolio document model.
func NewModel() *Model {
	return &Model{}
}

// DocumentType identifies the model in the registry.
func (*Model) DocumentType() string {
	return DocumentType
}

// InitialState is an empty portfolio.
func (*Model) InitialState() reducer.State {
	return &State{}
}

// EncodeState serializes a portfolio state for persistence.
func (*Model) EncodeState(state reducer.State) ([]byte, error) {
	portfolio, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(portfolio)
}

// DecodeState deserializes a persisted portfolio state.
func (*Model) DecodeState(encoded []byte) (reducer.State, error) {
	state := &State{}
	if err := json.Unmarshal(encoded, state); err != nil {
		return nil, fmt.Errorf("decode portfolio state: %w", err)
	}
	return state, nil
}

// Operations maps action types to their handlers. The map is read once at
// registry construction; the set is closed thereafter.
func (*Model) Operations() map[string]reducer.Handler {
	return map[string]reducer.Handler{
		ActionSetPrincipalLender:             handleSetPrincipalLender,
		ActionCreateAccount:                  handleCreateAccount,
		ActionCreateServiceProviderFeeType:   handleCreateServiceProviderFeeType,
		ActionCreateFixedIncomeType:          handleCreateFixedIncomeType,
		ActionCreateCashAsset:                handleCreateCashAsset,
		ActionCreateFixedIncomeAsset:         handleCreateFixedIncomeAsset,
		ActionEditFixedIncomeAsset:           handleEditFixedIncomeAsset,
		ActionDeleteFixedIncomeAsset:         handleDeleteFixedIncomeAsset,
		ActionCreateGroupTransaction:         handleCreateGroupTransaction,
		ActionEditGroupTransaction:           handleEditGroupTransaction,
		ActionDeleteGroupTransaction:         handleDeleteGroupTransaction,
		ActionAddFeesToGroupTransaction:      handleAddFees,
		ActionRemoveFeesFromGroupTransaction: handleRemoveFees,
		ActionEditGroupTransactionFees:       handleEditFees,
	}
}

func portfolioState(state reducer.State) (*State, error) {
	portfolio, valid := state.(*State)
	if !valid {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	return portfolio, nil
}

func handleSetPrincipalLender(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input SetPrincipalLenderInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.AccountID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "accountId"}
	}
	if current.account(input.AccountID) == nil {
		return nil, &reducer.ReferentialIntegrityError{Entity: "account", ID: input.AccountID}
	}
	next := current.Clone().(*State)
	next.PrincipalLenderAccountID = input.AccountID
	return next, nil
}

func handleCreateAccount(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateAccountInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if input.Reference == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "reference"}
	}
	if current.account(input.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("account %s already exists", input.ID)}
	}
	next := current.Clone().(*State)
	next.Accounts = append(next.Accounts, Account{ID: input.ID, Reference: input.Reference, Label: input.Label})
	return next, nil
}

func handleCreateServiceProviderFeeType(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateServiceProviderFeeTypeInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if input.Name == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "name"}
	}
	if input.AccountID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "accountId"}
	}
	if current.account(input.AccountID) == nil {
		return nil, &reducer.ReferentialIntegrityError{Entity: "account", ID: input.AccountID}
	}
	if current.serviceProviderFeeType(input.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("service provider fee type %s already exists", input.ID)}
	}
	next := current.Clone().(*State)
	next.ServiceProviderFeeTypes = append(next.ServiceProviderFeeTypes, ServiceProviderFeeType{
		ID:        input.ID,
		Name:      input.Name,
		FeeType:   input.FeeType,
		AccountID: input.AccountID,
	})
	return next, nil
}

func handleCreateFixedIncomeType(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateFixedIncomeTypeInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if input.Name == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "name"}
	}
	if current.fixedIncomeType(input.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("fixed income type %s already exists", input.ID)}
	}
	next := current.Clone().(*State)
	next.FixedIncomeTypes = append(next.FixedIncomeTypes, FixedIncomeType{ID: input.ID, Name: input.Name})
	return next, nil
}

func handleCreateCashAsset(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateCashAssetInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if input.Currency == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "currency"}
	}
	if current.cashAsset(input.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("cash asset %s already exists", input.ID)}
	}
	next := current.Clone().(*State)
	next.CashAssets = append(next.CashAssets, CashAsset{ID: input.ID, Currency: input.Currency, Balance: input.Balance})
	return next, nil
}

func handleCreateFixedIncomeAsset(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateFixedIncomeAssetInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if input.FixedIncomeTypeID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "fixedIncomeTypeId"}
	}
	if current.fixedIncomeType(input.FixedIncomeTypeID) == nil {
		return nil, &reducer.ReferentialIntegrityError{Entity: "fixed income type", ID: input.FixedIncomeTypeID}
	}
	if current.fixedIncomeAsset(input.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("fixed income asset %s already exists", input.ID)}
	}
	next := current.Clone().(*State)
	next.FixedIncomeAssets = append(next.FixedIncomeAssets, FixedIncomeAsset{
		ID:                input.ID,
		FixedIncomeTypeID: input.FixedIncomeTypeID,
		Name:              input.Name,
		Maturity:          input.Maturity,
	})
	return next, nil
}

func handleEditFixedIncomeAsset(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input EditFixedIncomeAssetInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if current.fixedIncomeAsset(input.ID) == nil {
		return nil, &reducer.NotFoundError{Entity: "fixed income asset", ID: input.ID}
	}
	if input.FixedIncomeTypeID != nil && current.fixedIncomeType(*input.FixedIncomeTypeID) == nil {
		return nil, &reducer.ReferentialIntegrityError{Entity: "fixed income type", ID: *input.FixedIncomeTypeID}
	}
	next := current.Clone().(*State)
	asset := next.fixedIncomeAsset(input.ID)
	if input.FixedIncomeTypeID != nil {
		asset.FixedIncomeTypeID = *input.FixedIncomeTypeID
	}
	if input.Name != nil {
		asset.Name = *input.Name
	}
	if input.Maturity != nil {
		asset.Maturity = *input.Maturity
	}
	return next, nil
}

func handleDeleteFixedIncomeAsset(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input DeleteFixedIncomeAssetInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if current.fixedIncomeAsset(input.ID) == nil {
		return nil, &reducer.NotFoundError{Entity: "fixed income asset", ID: input.ID}
	}
	for _, tx := range current.Transactions {
		for _, leg := range []*BaseTransaction{tx.FixedIncomeTransaction, tx.InterestTransaction} {
			if leg != nil && leg.AssetID == input.ID {
				return nil, &reducer.InvariantViolationError{
					Rule: fmt.Sprintf("fixed income asset %s is referenced by transaction %s", input.ID, tx.ID),
				}
			}
		}
	}
	next := current.Clone().(*State)
	kept := next.FixedIncomeAssets[:0]
	for _, asset := range next.FixedIncomeAssets {
		if asset.ID != input.ID {
			kept = append(kept, asset)
		}
	}
	next.FixedIncomeAssets = kept
	return next, nil
}

func handleCreateGroupTransaction(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input CreateGroupTransactionInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	tx := groupTransactionFromInput(input)
	if current.transaction(tx.ID) != nil {
		return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("transaction %s already exists", tx.ID)}
	}
	if err := validateGroupTransaction(current, tx); err != nil {
		return nil, err
	}
	tx.CashBalanceChange = computeCashBalanceChange(tx)
	next := current.Clone().(*State)
	next.Transactions = append(next.Transactions, tx)
	applyCashDelta(next, tx, tx.CashBalanceChange)
	if err := recomputeTouchedAssets(next, tx); err != nil {
		return nil, err
	}
	return next, nil
}

func handleEditGroupTransaction(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input EditGroupTransactionInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	replacement := groupTransactionFromInput(input)
	if replacement.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	existing := current.transaction(replacement.ID)
	if existing == nil {
		return nil, &reducer.NotFoundError{Entity: "group transaction", ID: replacement.ID}
	}
	if err := validateGroupTransaction(current, replacement); err != nil {
		return nil, err
	}
	replacement.CashBalanceChange = computeCashBalanceChange(replacement)
	next := current.Clone().(*State)
	previous := next.transaction(replacement.ID)
	applyCashDelta(next, *previous, previous.CashBalanceChange.Neg())
	previousCopy := previous.clone()
	*previous = replacement
	applyCashDelta(next, replacement, replacement.CashBalanceChange)
	if err := recomputeTouchedAssets(next, previousCopy, replacement); err != nil {
		return nil, err
	}
	return next, nil
}

func handleDeleteGroupTransaction(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input DeleteGroupTransactionInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	existing := current.transaction(input.ID)
	if existing == nil {
		return nil, &reducer.NotFoundError{Entity: "group transaction", ID: input.ID}
	}
	next := current.Clone().(*State)
	removed := next.transaction(input.ID).clone()
	applyCashDelta(next, removed, removed.CashBalanceChange.Neg())
	kept := next.Transactions[:0]
	for _, tx := range next.Transactions {
		if tx.ID != input.ID {
			kept = append(kept, tx)
		}
	}
	next.Transactions = kept
	if err := recomputeTouchedAssets(next, removed); err != nil {
		return nil, err
	}
	return next, nil
}

func handleAddFees(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input AddFeesInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if len(input.Fees) == 0 {
		return nil, &reducer.MissingRequiredFieldError{Field: "fees"}
	}
	existing := current.transaction(input.ID)
	if existing == nil {
		return nil, &reducer.NotFoundError{Entity: "group transaction", ID: input.ID}
	}
	if !legShapes[existing.Type].feesAllowed {
		return nil, &reducer.InvariantViolationError{
			Rule: fmt.Sprintf("%s transactions do not carry fees", existing.Type),
		}
	}
	for _, fee := range input.Fees {
		if err := validateFee(current, fee); err != nil {
			return nil, err
		}
		for _, attached := range existing.Fees {
			if attached.ID == fee.ID {
				return nil, &reducer.InvariantViolationError{Rule: fmt.Sprintf("fee %s already exists", fee.ID)}
			}
		}
	}
	next := current.Clone().(*State)
	tx := next.transaction(input.ID)
	applyCashDelta(next, *tx, tx.CashBalanceChange.Neg())
	tx.Fees = append(tx.Fees, input.Fees...)
	tx.CashBalanceChange = computeCashBalanceChange(*tx)
	applyCashDelta(next, *tx, tx.CashBalanceChange)
	if err := recomputeTouchedAssets(next, *tx); err != nil {
		return nil, err
	}
	return next, nil
}

func handleRemoveFees(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input RemoveFeesInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if len(input.FeeIDs) == 0 {
		return nil, &reducer.MissingRequiredFieldError{Field: "feeIds"}
	}
	existing := current.transaction(input.ID)
	if existing == nil {
		return nil, &reducer.NotFoundError{Entity: "group transaction", ID: input.ID}
	}
	for _, feeID := range input.FeeIDs {
		if !hasFee(existing.Fees, feeID) {
			return nil, &reducer.NotFoundError{Entity: "transaction fee", ID: feeID}
		}
	}
	next := current.Clone().(*State)
	tx := next.transaction(input.ID)
	applyCashDelta(next, *tx, tx.CashBalanceChange.Neg())
	kept := tx.Fees[:0]
	for _, fee := range tx.Fees {
		if !containsString(input.FeeIDs, fee.ID) {
			kept = append(kept, fee)
		}
	}
	tx.Fees = kept
	tx.CashBalanceChange = computeCashBalanceChange(*tx)
	applyCashDelta(next, *tx, tx.CashBalanceChange)
	if err := recomputeTouchedAssets(next, *tx); err != nil {
		return nil, err
	}
	return next, nil
}

func handleEditFees(state reducer.State, action reducer.Action) (reducer.State, error) {
	current, err := portfolioState(state)
	if err != nil {
		return nil, err
	}
	var input EditFeesInput
	if err := decodeInput(action.Input, &input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		return nil, &reducer.MissingRequiredFieldError{Field: "id"}
	}
	if len(input.Fees) == 0 {
		return nil, &reducer.MissingRequiredFieldError{Field: "fees"}
	}
	existing := current.transaction(input.ID)
	if existing == nil {
		return nil, &reducer.NotFoundError{Entity: "group transaction", ID: input.ID}
	}
	for _, fee := range input.Fees {
		if !hasFee(existing.Fees, fee.ID) {
			return nil, &reducer.NotFoundError{Entity: "transaction fee", ID: fee.ID}
		}
		if err := validateFee(current, fee); err != nil {
			return nil, err
		}
	}
	next := current.Clone().(*State)
	tx := next.transaction(input.ID)
	applyCashDelta(next, *tx, tx.CashBalanceChange.Neg())
	for _, replacement := range input.Fees {
		for i := range tx.Fees {
			if tx.Fees[i].ID == replacement.ID {
				tx.Fees[i] = replacement
			}
		}
	}
	tx.CashBalanceChange = computeCashBalanceChange(*tx)
	applyCashDelta(next, *tx, tx.CashBalanceChange)
	if err := recomputeTouchedAssets(next, *tx); err != nil {
		return nil, err
	}
	return next, nil
}

func groupTransactionFromInput(input CreateGroupTransactionInput) GroupTransaction {
	return GroupTransaction{
		ID:                     input.ID,
		Type:                   input.Type,
		EntryTime:              input.EntryTime,
		Fees:                   input.Fees,
		CashTransaction:        input.CashTransaction,
		FixedIncomeTransaction: input.FixedIncomeTransaction,
		InterestTransaction:    input.InterestTransaction,
	}
}

// computeCashBalanceChange is the signed cash effect of a transaction: the
// cash-leg amount plus all (negative) fees.
func computeCashBalanceChange(tx GroupTransaction) decimal.Decimal {
	change := decimal.Zero
	if tx.CashTransaction != nil {
		change = change.Add(tx.CashTransaction.Amount)
	}
	for _, fee := range tx.Fees {
		change = change.Add(fee.Amount)
	}
	return change
}

// applyCashDelta adjusts the balance of the transaction's cash asset.
// Transactions without a cash leg carry their change on the record only.
func applyCashDelta(state *State, tx GroupTransaction, delta decimal.Decimal) {
	if tx.CashTransaction == nil {
		return
	}
	if asset := state.cashAsset(tx.CashTransaction.AssetID); asset != nil {
		asset.Balance = asset.Balance.Add(delta)
	}
}

// recomputeTouchedAssets refreshes the derived fields of every
// fixed-income asset referenced by the given transactions.
func recomputeTouchedAssets(state *State, transactions ...GroupTransaction) error {
	seen := map[string]bool{}
	for _, tx := range transactions {
		if tx.FixedIncomeTransaction == nil {
			continue
		}
		assetID := tx.FixedIncomeTransaction.AssetID
		if seen[assetID] {
			continue
		}
		seen[assetID] = true
		if err := recomputeAssetDerivedFields(state, assetID); err != nil {
			return err
		}
	}
	return nil
}

func hasFee(fees []TransactionFee, feeID string) bool {
	for _, fee := range fees {
		if fee.ID == feeID {
			return true
		}
	}
	return false
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
