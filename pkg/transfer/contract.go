package transfer

import "time"

// ContractStatus is the lifecycle status of a recurring auto-payment contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractSuspended ContractStatus = "SUSPENDED"
	ContractCancelled ContractStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s ContractStatus) Valid() bool {
	switch s {
	case ContractActive, ContractSuspended, ContractCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an operator may move a contract from s to next.
// CANCELLED is terminal.
func (s ContractStatus) CanTransition(next ContractStatus) bool {
	if !next.Valid() || s == ContractCancelled {
		return false
	}
	return s != next
}

// RecurringContract is a monthly auto-debit from a tenant account.
type RecurringContract struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Source     AccountRef     `json:"source"`
	Amount     int64          `json:"amount"`
	BillingDay int            `json:"billing_day"`
	Status     ContractStatus `json:"status"`

	// Display fields used for the transfer memo.
	PayerName    string `json:"payer_name,omitempty"`
	BuildingName string `json:"building_name,omitempty"`
	UnitNumber   string `json:"unit_number,omitempty"`

	LastExecutedAt    time.Time `json:"last_executed_at,omitempty"`
	LastState         State     `json:"last_state,omitempty"`
	LastTxID          string    `json:"last_tx_id,omitempty"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	FailureCount      int       `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is the last-execution metadata written back to a contract after an attempt.
type Execution struct {
	At            time.Time
	State         State
	RemoteTxID    string
	FailureReason string
}

// Apply folds an execution into the contract's metadata.
func (c *RecurringContract) Apply(e Execution) {
	c.LastExecutedAt = e.At
	c.LastState = e.State
	c.LastTxID = e.RemoteTxID
	c.LastFailureReason = e.FailureReason
	if e.State == StateSuccess {
		c.FailureCount = 0
	} else {
		c.FailureCount++
	}
	c.UpdatedAt = e.At
}

// DueOn reports whether the contract bills on the given date. Contracts whose
// billing day does not exist in a month bill on that month's last day.
func (c RecurringContract) DueOn(day time.Time) bool {
	if c.Status != ContractActive {
		return false
	}
	for _, d := range BillingDaysFor(day) {
		if c.BillingDay == d {
			return true
		}
	}
	return false
}

// BillingDaysFor returns the billing days that fall due on the given date.
// On the last day of a month it includes every later day up to 31.
func BillingDaysFor(day time.Time) []int {
	d := day.Day()
	last := lastDayOfMonth(day)
	if d != last {
		return []int{d}
	}
	days := make([]int, 0, 32-d)
	for i := d; i <= 31; i++ {
		days = append(days, i)
	}
	return days
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// LinkedAccount is a user's bank account registered with the platform.
type LinkedAccount struct {
	UserID  string     `json:"user_id"`
	Account AccountRef `json:"account"`
	Active  bool       `json:"active"`
}
