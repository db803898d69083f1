package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/foldhaus/opfold/internal/reducer"
)

// DocumentType is the discriminator the journal uses to route operations
// on fixed-income portfolio documents to this model.
const DocumentType = "opfold/fixed-income-portfolio"

// TransactionType names the eight group-transaction archetypes. Each
// archetype allows a disjoint, type-specific subset of legs; appends with
// missing or forbidden legs are rejected before any state mutation.
type TransactionType string

const (
	// TransactionTypePrincipalDraw draws principal from the lender: a cash leg plus optional fees.
	TransactionTypePrincipalDraw TransactionType = "PrincipalDraw"
	// TransactionTypePrincipalReturn returns principal to the lender: a cash leg plus optional fees.
	TransactionTypePrincipalReturn TransactionType = "PrincipalReturn"
	// TransactionTypeAssetPurchase acquires a fixed-income asset: cash and fixed-income legs plus optional fees.
	TransactionTypeAssetPurchase TransactionType = "AssetPurchase"
	// TransactionTypeAssetSale disposes of a fixed-income asset: cash and fixed-income legs plus optional fees.
	TransactionTypeAssetSale TransactionType = "AssetSale"
	// TransactionTypeInterestDraw records interest received: an interest leg only.
	TransactionTypeInterestDraw TransactionType = "InterestDraw"
	// TransactionTypeInterestReturn records interest paid back: an interest leg only.
	TransactionTypeInterestReturn TransactionType = "InterestReturn"
	// TransactionTypeFeesPayment settles service-provider fees: fee legs only.
	TransactionTypeFeesPayment TransactionType = "FeesPayment"
	// TransactionTypeFeesIncome records rebated fees: fee legs only.
	TransactionTypeFeesIncome TransactionType = "FeesIncome"
)

// AllTransactionTypes enumerates every archetype in a stable order.
var AllTransactionTypes = []TransactionType{
	TransactionTypePrincipalDraw,
	TransactionTypePrincipalReturn,
	TransactionTypeAssetPurchase,
	TransactionTypeAssetSale,
	TransactionTypeInterestDraw,
	TransactionTypeInterestReturn,
	TransactionTypeFeesPayment,
	TransactionTypeFeesIncome,
}

// Account is a named ledger counterparty.
type Account struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Label     string `json:"label,omitempty"`
}

// ServiceProviderFeeType identifies a provider that charges fees, bound to
// the account the fees settle against.
type ServiceProviderFeeType struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FeeType   string `json:"feeType,omitempty"`
	AccountID string `json:"accountId"`
}

// FixedIncomeType classifies fixed-income assets (T-bill, commercial paper, ...).
type FixedIncomeType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CashAsset is a currency position in the portfolio.
type CashAsset struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// FixedIncomeAsset is a fixed-income position. The trailing block of
// fields is derived: recomputed from the full transaction history of the
// asset on every write that touches it, never updated incrementally.
type FixedIncomeAsset struct {
	ID                string `json:"id"`
	FixedIncomeTypeID string `json:"fixedIncomeTypeId"`
	Name              string `json:"name"`
	Maturity          string `json:"maturity,omitempty"`

	PurchaseDate     string          `json:"purchaseDate"`
	Notional         decimal.Decimal `json:"notional"`
	AssetProceeds    decimal.Decimal `json:"assetProceeds"`
	PurchaseProceeds decimal.Decimal `json:"purchaseProceeds"`
	SalesProceeds    decimal.Decimal `json:"salesProceeds"`
	PurchasePrice    decimal.Decimal `json:"purchasePrice"`
	TotalDiscount    decimal.Decimal `json:"totalDiscount"`
	RealizedSurplus  decimal.Decimal `json:"realizedSurplus"`
}

// BaseTransaction is one leg of a group transaction. Amount carries the
// leg's signed value: cash legs are signed balance changes, fixed-income
// legs are positive quantities, interest legs are positive, fee legs are
// negative.
type BaseTransaction struct {
	ID                    string          `json:"id"`
	AssetID               string          `json:"assetId"`
	Amount                decimal.Decimal `json:"amount"`
	EntryTime             string          `json:"entryTime"`
	AccountID             string          `json:"accountId,omitempty"`
	CounterPartyAccountID string          `json:"counterPartyAccountId,omitempty"`
}

// TransactionFee is one fee attached to a group transaction. Amounts are
// always negative.
type TransactionFee struct {
	ID                       string          `json:"id"`
	ServiceProviderFeeTypeID string          `json:"serviceProviderFeeTypeId"`
	Amount                   decimal.Decimal `json:"amount"`
}

// GroupTransaction is one atomic business event grouping the legs of a
// single archetype.
type GroupTransaction struct {
	ID                     string           `json:"id"`
	Type                   TransactionType  `json:"type"`
	EntryTime              string           `json:"entryTime"`
	CashBalanceChange      decimal.Decimal  `json:"cashBalanceChange"`
	Fees                   []TransactionFee `json:"fees,omitempty"`
	CashTransaction        *BaseTransaction `json:"cashTransaction,omitempty"`
	FixedIncomeTransaction *BaseTransaction `json:"fixedIncomeTransaction,omitempty"`
	InterestTransaction    *BaseTransaction `json:"interestTransaction,omitempty"`
}

// State is the full document state of a fixed-income portfolio.
type State struct {
	PrincipalLenderAccountID string                   `json:"principalLenderAccountId"`
	Accounts                 []Account                `json:"accounts"`
	ServiceProviderFeeTypes  []ServiceProviderFeeType `json:"serviceProviderFeeTypes"`
	FixedIncomeTypes         []FixedIncomeType        `json:"fixedIncomeTypes"`
	CashAssets               []CashAsset              `json:"cashAssets"`
	FixedIncomeAssets        []FixedIncomeAsset       `json:"fixedIncomeAssets"`
	Transactions             []GroupTransaction       `json:"transactions"`
}

// Clone returns a deep copy so handlers can build new state without
// aliasing the prior value.
func (s *State) Clone() reducer.State {
	next := &State{
		PrincipalLenderAccountID: s.PrincipalLenderAccountID,
		Accounts:                 append([]Account(nil), s.Accounts...),
		ServiceProviderFeeTypes:  append([]ServiceProviderFeeType(nil), s.ServiceProviderFeeTypes...),
		FixedIncomeTypes:         append([]FixedIncomeType(nil), s.FixedIncomeTypes...),
		CashAssets:               append([]CashAsset(nil), s.CashAssets...),
		FixedIncomeAssets:        append([]FixedIncomeAsset(nil), s.FixedIncomeAssets...),
		Transactions:             make([]GroupTransaction, len(s.Transactions)),
	}
	for i, tx := range s.Transactions {
		next.Transactions[i] = tx.clone()
	}
	return next
}

func (t GroupTransaction) clone() GroupTransaction {
	copied := t
	copied.Fees = append([]TransactionFee(nil), t.Fees...)
	copied.CashTransaction = cloneLeg(t.CashTransaction)
	copied.FixedIncomeTransaction = cloneLeg(t.FixedIncomeTransaction)
	copied.InterestTransaction = cloneLeg(t.InterestTransaction)
	return copied
}

func cloneLeg(leg *BaseTransaction) *BaseTransaction {
	if leg == nil {
		return nil
	}
	copied := *leg
	return &copied
}

func (s *State) account(id string) *Account {
	for i := range s.Accounts {
		if s.Accounts[i].ID == id {
			return &s.Accounts[i]
		}
	}
	return nil
}

func (s *State) serviceProviderFeeType(id string) *ServiceProviderFeeType {
	for i := range s.ServiceProviderFeeTypes {
		if s.ServiceProviderFeeTypes[i].ID == id {
			return &s.ServiceProviderFeeTypes[i]
		}
	}
	return nil
}

func (s *State) fixedIncomeType(id string) *FixedIncomeType {
	for i := range s.FixedIncomeTypes {
		if s.FixedIncomeTypes[i].ID == id {
			return &s.FixedIncomeTypes[i]
		}
	}
	return nil
}

func (s *State) cashAsset(id string) *CashAsset {
	for i := range s.CashAssets {
		if s.CashAssets[i].ID == id {
			return &s.CashAssets[i]
		}
	}
	return nil
}

func (s *State) fixedIncomeAsset(id string) *FixedIncomeAsset {
	for i := range s.FixedIncomeAssets {
		if s.FixedIncomeAssets[i].ID == id {
			return &s.FixedIncomeAssets[i]
		}
	}
	return nil
}

func (s *State) transaction(id string) *GroupTransaction {
	for i := range s.Transactions {
		if s.Transactions[i].ID == id {
			return &s.Transactions[i]
		}
	}
	return nil
}
