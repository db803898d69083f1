package ledger

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/foldhaus/opfold/internal/reducer"
)

// Action types accepted by the portfolio model. The registry is closed:
// anything else is rejected before reaching a handler.
const (
	ActionSetPrincipalLender             = "SET_PRINCIPAL_LENDER"
	ActionCreateAccount                  = "CREATE_ACCOUNT"
	ActionCreateServiceProviderFeeType   = "CREATE_SERVICE_PROVIDER_FEE_TYPE"
	ActionCreateFixedIncomeType          = "CREATE_FIXED_INCOME_TYPE"
	ActionCreateCashAsset                = "CREATE_CASH_ASSET"
	ActionCreateFixedIncomeAsset         = "CREATE_FIXED_INCOME_ASSET"
	ActionEditFixedIncomeAsset           = "EDIT_FIXED_INCOME_ASSET"
	ActionDeleteFixedIncomeAsset         = "DELETE_FIXED_INCOME_ASSET"
	ActionCreateGroupTransaction         = "CREATE_GROUP_TRANSACTION"
	ActionEditGroupTransaction           = "EDIT_GROUP_TRANSACTION"
	ActionDeleteGroupTransaction         = "DELETE_GROUP_TRANSACTION"
	ActionAddFeesToGroupTransaction      = "ADD_FEES_TO_GROUP_TRANSACTION"
	ActionRemoveFeesFromGroupTransaction = "REMOVE_FEES_FROM_GROUP_TRANSACTION"
	ActionEditGroupTransactionFees       = "EDIT_GROUP_TRANSACTION_FEES"
)

// SetPrincipalLenderInput designates the account that principal draws and
// returns settle against.
type SetPrincipalLenderInput struct {
	AccountID string `json:"accountId"`
}

// CreateAccountInput registers a ledger counterparty.
type CreateAccountInput struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Label     string `json:"label"`
}

// CreateServiceProviderFeeTypeInput registers a fee-charging provider.
type CreateServiceProviderFeeTypeInput struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FeeType   string `json:"feeType"`
	AccountID string `json:"accountId"`
}

// CreateFixedIncomeTypeInput registers an asset classification.
type CreateFixedIncomeTypeInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateCashAssetInput opens a currency position.
type CreateCashAssetInput struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// CreateFixedIncomeAssetInput opens a fixed-income position. Derived
// fields start at zero and are populated by transactions.
type CreateFixedIncomeAssetInput struct {
	ID                string `json:"id"`
	FixedIncomeTypeID string `json:"fixedIncomeTypeId"`
	Name              string `json:"name"`
	Maturity          string `json:"maturity"`
}

// EditFixedIncomeAssetInput updates descriptive fields of a position.
// Nil fields are left unchanged; derived fields cannot be set directly.
type EditFixedIncomeAssetInput struct {
	ID                string  `json:"id"`
	FixedIncomeTypeID *string `json:"fixedIncomeTypeId"`
	Name              *string `json:"name"`
	Maturity          *string `json:"maturity"`
}

// DeleteFixedIncomeAssetInput removes an unreferenced position.
type DeleteFixedIncomeAssetInput struct {
	ID string `json:"id"`
}

// CreateGroupTransactionInput appends a group transaction. The cash
// balance change is computed server-side; any client-supplied value is
// ignored.
type CreateGroupTransactionInput struct {
	ID                     string           `json:"id"`
	Type                   TransactionType  `json:"type"`
	EntryTime              string           `json:"entryTime"`
	Fees                   []TransactionFee `json:"fees"`
	CashTransaction        *BaseTransaction `json:"cashTransaction"`
	FixedIncomeTransaction *BaseTransaction `json:"fixedIncomeTransaction"`
	InterestTransaction    *BaseTransaction `json:"interestTransaction"`
}

// EditGroupTransactionInput replaces an existing group transaction
// wholesale, matched by id. The replacement is validated exactly like a
// create.
type EditGroupTransactionInput = CreateGroupTransactionInput

// DeleteGroupTransactionInput removes a group transaction and reverts its
// balance effects.
type DeleteGroupTransactionInput struct {
	ID string `json:"id"`
}

// AddFeesInput appends fees to an existing group transaction.
type AddFeesInput struct {
	ID   string           `json:"id"`
	Fees []TransactionFee `json:"fees"`
}

// RemoveFeesInput detaches fees from a group transaction by fee id.
type RemoveFeesInput struct {
	ID     string   `json:"id"`
	FeeIDs []string `json:"feeIds"`
}

// EditFeesInput replaces existing fees on a group transaction, matched by
// fee id.
type EditFeesInput struct {
	ID   string           `json:"id"`
	Fees []TransactionFee `json:"fees"`
}

func decodeInput(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return &reducer.MissingRequiredFieldError{Field: "input"}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &reducer.MissingRequiredFieldError{Field: "input"}
	}
	return nil
}
