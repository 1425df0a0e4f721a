package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"transfer-engine/pkg/transfer"
)

// Bank API paths.
const (
	pathImmediateTransfer = "/api/auto-payments/immediate-transfer"
	pathTransferStatus    = "/api/auto-payments/transfers/"
	pathHealth            = "/actuator/health"
)

// Remote transfer statuses.
const (
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
)

// Headers sent on every money-moving call.
const (
	HeaderUserCI         = "X-User-CI"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// transferBody is the immediate-transfer request body.
type transferBody struct {
	FromAccount     string `json:"fromAccount"`
	ToAccount       string `json:"toAccount"`
	ToBankCode      string `json:"toBankCode,omitempty"`
	ToBankName      string `json:"toBankName,omitempty"`
	BeneficiaryName string `json:"beneficiaryName,omitempty"`
	Amount          string `json:"amount"`
	Memo            string `json:"memo,omitempty"`
	ClientReference string `json:"clientReference"`
	Purpose         string `json:"purpose"`
}

// envelope is the bank's response wrapper. Success is a pointer so a missing
// flag can be told apart from false.
type envelope struct {
	Success *bool           `json:"success"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// transferData is the data field of a transfer response.
type transferData struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	FailureCode   string          `json:"failureCode,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

type healthBody struct {
	Status string `json:"status"`
}

// encodeAmount renders minor units as a decimal string with scale digits.
func encodeAmount(minor int64, scale int32) string {
	return decimal.New(minor, -scale).StringFixed(scale)
}

// decodeAmount converts a decimal amount back to minor units. Fractions below
// the minor unit are reported as malformed.
func decodeAmount(d decimal.Decimal, scale int32) (int64, error) {
	shifted := d.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has more than %d decimal places", transfer.ErrMalformedResponse, d, scale)
	}
	return shifted.IntPart(), nil
}

func encodeTransfer(req transfer.Request, scale int32) ([]byte, error) {
	return json.Marshal(transferBody{
		FromAccount:     req.Source.Number,
		ToAccount:       req.Destination.Number,
		ToBankCode:      req.Destination.BankCode,
		ToBankName:      req.Destination.BankName,
		BeneficiaryName: req.Destination.HolderName,
		Amount:          encodeAmount(req.Amount, scale),
		Memo:            req.Memo,
		ClientReference: req.OperationKey,
		Purpose:         string(req.Purpose),
	})
}

// decodeTransfer maps a raw transfer response onto the error taxonomy.
//
//	5xx, 429        -> ErrUnreachable
//	408             -> ErrTimeout
//	4xx or !success -> *RejectedError with the bank's code
//	anything unclear -> ErrMalformedResponse
func decodeTransfer(raw *RawResponse, scale int32) (*Response, error) {
	switch {
	case raw.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: HTTP %d", transfer.ErrTimeout, raw.StatusCode)
	case raw.StatusCode == http.StatusTooManyRequests || raw.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", transfer.ErrUnreachable, raw.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil || env.Success == nil {
		if raw.StatusCode >= 400 {
			// A 4xx without an envelope is still a refusal to process.
			return nil, transfer.Reject(transfer.CodeRejected, fmt.Sprintf("HTTP %d", raw.StatusCode))
		}
		return nil, fmt.Errorf("%w: HTTP %d without a success flag", transfer.ErrMalformedResponse, raw.StatusCode)
	}

	if !*env.Success || raw.StatusCode >= 400 {
		return nil, transfer.Reject(normalizeCode(env.Code), env.Message)
	}

	var data transferData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil {
		return nil, fmt.Errorf("%w: success without data", transfer.ErrMalformedResponse)
	}
	return dataToResponse(data, scale)
}

func dataToResponse(data transferData, scale int32) (*Response, error) {
	status := strings.ToUpper(strings.TrimSpace(data.Status))
	if status == "" {
		// The bank's plain success envelope carries no status. It still
		// needs a transaction id below to count as settled.
		status = StatusSuccess
	}

	switch status {
	case StatusFailed:
		return nil, transfer.Reject(normalizeCode(data.FailureCode), data.FailureReason)
	case StatusSuccess:
		if data.TransactionID == "" {
			return nil, fmt.Errorf("%w: success without a transaction id", transfer.ErrMalformedResponse)
		}
	case StatusPending, StatusProcessing:
	default:
		return nil, fmt.Errorf("%w: unknown transfer status %q", transfer.ErrMalformedResponse, data.Status)
	}

	amount, err := decodeAmount(data.Amount, scale)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		RemoteTxID: data.TransactionID,
		Status:     status,
		Amount:     amount,
	}
	if data.ProcessedAt != nil {
		resp.ProcessedAt = *data.ProcessedAt
	}
	return resp, nil
}

// decodeStatus maps a transfer status lookup. A 404 means the bank never
// recorded the reference.
func decodeStatus(raw *RawResponse, scale int32) (*Response, error) {
	if raw.StatusCode == http.StatusNotFound {
		return nil, transfer.Reject(transfer.CodeNotFound, "no transfer with this reference")
	}
	return decodeTransfer(raw, scale)
}

func decodeHealth(raw *RawResponse) error {
	if raw.StatusCode >= 500 {
		return fmt.Errorf("%w: health HTTP %d", transfer.ErrUnreachable, raw.StatusCode)
	}
	var body healthBody
	if err := json.Unmarshal(raw.Body, &body); err != nil || body.Status == "" {
		return fmt.Errorf("%w: health body", transfer.ErrMalformedResponse)
	}
	if !strings.EqualFold(body.Status, "UP") {
		return fmt.Errorf("%w: health status %s", transfer.ErrUnreachable, body.Status)
	}
	return nil
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return transfer.CodeRejected
	}
	return code
}
