package transfer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Purpose classifies why money is moving.
type Purpose string

const (
	PurposeLoanDisbursement Purpose = "LOAN_DISBURSEMENT"
	PurposeRecurringRent    Purpose = "RECURRING_RENT"
	PurposeManagementFee    Purpose = "MANAGEMENT_FEE"
	PurposeOther            Purpose = "OTHER"
)

// Valid reports whether p is one of the allowed purpose codes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeLoanDisbursement, PurposeRecurringRent, PurposeManagementFee, PurposeOther:
		return true
	}
	return false
}

// State is the outcome of one execution attempt as stored in the ledger.
type State string

const (
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateUnknown State = "UNKNOWN"
)

// AccountRef identifies an account at a bank.
type AccountRef struct {
	Number     string `json:"number"`
	BankCode   string `json:"bank_code,omitempty"`
	BankName   string `json:"bank_name,omitempty"`
	HolderName string `json:"holder_name,omitempty"`

	// CustomerRef is the bank's customer identifier for the account owner.
	// The bank requires it on debits from the customer's account.
	CustomerRef string `json:"customer_ref,omitempty"`
}

// IsZero reports whether the reference carries no account number.
func (a AccountRef) IsZero() bool {
	return strings.TrimSpace(a.Number) == ""
}

// SameAccount reports whether a and b point to the same account.
func (a AccountRef) SameAccount(b AccountRef) bool {
	return a.Number == b.Number && a.BankCode == b.BankCode
}

// Request is one logical transfer. It is immutable once built by NewRequest.
type Request struct {
	OperationKey string     `json:"operation_key"`
	Source       AccountRef `json:"source"`
	Destination  AccountRef `json:"destination"`
	// Amount in minor currency units.
	Amount     int64   `json:"amount"`
	Purpose    Purpose `json:"purpose"`
	Memo       string  `json:"memo,omitempty"`
	ContractID string  `json:"contract_id,omitempty"`
}

// MaxMemoLength is the longest memo the bank accepts.
const MaxMemoLength = 200

// NewRequest validates the fields and returns the request.
func NewRequest(key string, source, destination AccountRef, amount int64, purpose Purpose, memo string) (Request, error) {
	r := Request{
		OperationKey: key,
		Source:       source,
		Destination:  destination,
		Amount:       amount,
		Purpose:      purpose,
		Memo:         memo,
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// WithContract returns a copy of r owned by a recurring contract.
func (r Request) WithContract(contractID string) Request {
	r.ContractID = contractID
	return r
}

// Validate checks the request shape. It never touches external systems.
func (r Request) Validate() error {
	if err := ValidateOperationKey(r.OperationKey); err != nil {
		return err
	}
	if r.Source.IsZero() {
		return invalid("source", "account number is empty")
	}
	if r.Destination.IsZero() {
		return invalid("destination", "account number is empty")
	}
	if r.Source.SameAccount(r.Destination) {
		return invalid("destination", "same as source account")
	}
	if r.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if !r.Purpose.Valid() {
		return invalid("purpose", "unknown purpose code "+string(r.Purpose))
	}
	if len(r.Memo) > MaxMemoLength {
		return invalid("memo", "too long")
	}
	return nil
}

// ExecutionRecord is one ledger row: a single attempt and its outcome.
type ExecutionRecord struct {
	ID            uuid.UUID  `json:"id"`
	OperationKey  string     `json:"operation_key"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	State         State      `json:"state"`
	RemoteTxID    string     `json:"remote_tx_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Amount        int64      `json:"amount"`
	Source        AccountRef `json:"source"`
	Destination   AccountRef `json:"destination"`
	Purpose       Purpose    `json:"purpose"`
	Memo          string     `json:"memo,omitempty"`
	ContractID    string     `json:"contract_id,omitempty"`
}

// NewRecord builds the ledger row for an attempt of req.
func NewRecord(req Request, state State, remoteTxID, reason string, at time.Time) ExecutionRecord {
	return ExecutionRecord{
		ID:            uuid.New(),
		OperationKey:  req.OperationKey,
		AttemptedAt:   at,
		State:         state,
		RemoteTxID:    remoteTxID,
		FailureReason: reason,
		Amount:        req.Amount,
		Source:        req.Source,
		Destination:   req.Destination,
		Purpose:       req.Purpose,
		Memo:          req.Memo,
		ContractID:    req.ContractID,
	}
}

// Request rebuilds the transfer request the record was written for.
func (r ExecutionRecord) Request() Request {
	return Request{
		OperationKey: r.OperationKey,
		Source:       r.Source,
		Destination:  r.Destination,
		Amount:       r.Amount,
		Purpose:      r.Purpose,
		Memo:         r.Memo,
		ContractID:   r.ContractID,
	}
}
