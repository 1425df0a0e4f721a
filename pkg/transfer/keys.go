package transfer

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxOperationKeyLength bounds operation keys so they fit the ledger index
// and the bank's clientReference field.
const MaxOperationKeyLength = 128

// ValidateOperationKey checks that an operation key is usable for idempotency.
//
// Rules:
// - Non-empty
// - At most MaxOperationKeyLength bytes
// - No control characters or whitespace
func ValidateOperationKey(key string) error {
	if key == "" {
		return invalid("operation_key", "empty")
	}
	if len(key) > MaxOperationKeyLength {
		return invalid("operation_key", fmt.Sprintf("longer than %d characters", MaxOperationKeyLength))
	}
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return invalid("operation_key", "contains whitespace or control characters")
		}
	}
	return nil
}

// KeyPattern builds operation keys with a fixed prefix.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a key pattern. An empty separator defaults to ":".
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{prefix: prefix, separator: separator}
}

// Build joins the prefix and parts, e.g. pattern.Build("42") -> "loan:42".
func (kp *KeyPattern) Build(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if kp.prefix != "" {
		all = append(all, kp.prefix)
	}
	all = append(all, parts...)
	return strings.Join(all, kp.separator)
}

// BillingPeriod formats the yyyy-mm period a date belongs to.
func BillingPeriod(day time.Time) string {
	return fmt.Sprintf("%04d-%02d", day.Year(), int(day.Month()))
}

// RecurringKey is the operation key of a recurring contract's debit for the
// billing period containing day: "contractId:yyyy-mm".
func RecurringKey(contractID string, day time.Time) string {
	return NewKeyPattern("", ":").Build(contractID, BillingPeriod(day))
}

// LoanDisbursementKey is the operation key of a loan disbursement.
func LoanDisbursementKey(loanID string) string {
	return NewKeyPattern("loan", "-").Build(loanID)
}

// ManagementFeeKey is the operation key of a management fee charge.
func ManagementFeeKey(chargeID string) string {
	return NewKeyPattern("fee", "-").Build(chargeID)
}
