package gateway

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-engine/pkg/transfer"
)

func TestAmountEncoding(t *testing.T) {
	assert.Equal(t, "750000", encodeAmount(750000, 0))
	assert.Equal(t, "12.34", encodeAmount(1234, 2))
	assert.Equal(t, "0.05", encodeAmount(5, 2))

	v, err := decodeAmount(decimal.RequireFromString("12.34"), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v)

	v, err = decodeAmount(decimal.RequireFromString("750000.00"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(750000), v)

	_, err = decodeAmount(decimal.RequireFromString("1.005"), 2)
	assert.ErrorIs(t, err, transfer.ErrMalformedResponse)
}

func raw(status int, body string) *RawResponse {
	return &RawResponse{StatusCode: status, Body: []byte(body)}
}

func TestDecodeTransfer(t *testing.T) {
	tests := []struct {
		name    string
		resp    *RawResponse
		wantErr error
		status  string
		txID    string
	}{
		{
			name:   "settled",
			resp:   raw(200, `{"success":true,"data":{"transactionId":"T1","status":"SUCCESS","amount":"750000"}}`),
			status: StatusSuccess,
			txID:   "T1",
		},
		{
			name:   "status omitted means settled",
			resp:   raw(200, `{"success":true,"data":{"transactionId":"T2","amount":1000}}`),
			status: StatusSuccess,
			txID:   "T2",
		},
		{
			name:   "pending is not final",
			resp:   raw(200, `{"success":true,"data":{"status":"PENDING","amount":1000}}`),
			status: StatusPending,
		},
		{
			name:    "status omitted without tx id",
			resp:    raw(200, `{"success":true,"data":{"amount":1000}}`),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:   "blank status means settled",
			resp:   raw(201, `{"success":true,"data":{"transactionId":"T2b","status":"  "}}`),
			status: StatusSuccess,
			txID:   "T2b",
		},
		{
			name:    "success without tx id",
			resp:    raw(200, `{"success":true,"data":{"status":"SUCCESS","amount":1000}}`),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:    "success without data",
			resp:    raw(200, `{"success":true}`),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:    "missing success flag",
			resp:    raw(200, `{"data":{"transactionId":"T3"}}`),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:    "empty body",
			resp:    raw(200, ``),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:    "unknown status",
			resp:    raw(200, `{"success":true,"data":{"transactionId":"T4","status":"WEIRD"}}`),
			wantErr: transfer.ErrMalformedResponse,
		},
		{
			name:    "insufficient funds",
			resp:    raw(200, `{"success":false,"code":"INSUFFICIENT_FUNDS","message":"balance"}`),
			wantErr: transfer.ErrInsufficientFunds,
		},
		{
			name:    "failed status",
			resp:    raw(200, `{"success":true,"data":{"status":"FAILED","failureCode":"ACCOUNT_FROZEN"}}`),
			wantErr: transfer.ErrAccountFrozen,
		},
		{
			name:    "4xx with envelope",
			resp:    raw(400, `{"success":false,"code":"invalid_account"}`),
			wantErr: transfer.ErrInvalidDestination,
		},
		{
			name:    "4xx without envelope",
			resp:    raw(403, `forbidden`),
			wantErr: transfer.ErrRemoteRejected,
		},
		{
			name:    "server error",
			resp:    raw(502, `{"success":true,"data":{"transactionId":"T5"}}`),
			wantErr: transfer.ErrUnreachable,
		},
		{
			name:    "throttled",
			resp:    raw(http.StatusTooManyRequests, ``),
			wantErr: transfer.ErrUnreachable,
		},
		{
			name:    "request timeout",
			resp:    raw(http.StatusRequestTimeout, ``),
			wantErr: transfer.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeTransfer(tt.resp, 0)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.txID, resp.RemoteTxID)
		})
	}
}

func TestDecodeStatus_NotFound(t *testing.T) {
	_, err := decodeStatus(raw(404, ``), 0)
	var rejected *transfer.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, transfer.CodeNotFound, rejected.Code)
}

func TestDecodeHealth(t *testing.T) {
	assert.NoError(t, decodeHealth(raw(200, `{"status":"UP"}`)))
	assert.ErrorIs(t, decodeHealth(raw(200, `{"status":"DOWN"}`)), transfer.ErrUnreachable)
	assert.ErrorIs(t, decodeHealth(raw(503, `{"status":"DOWN"}`)), transfer.ErrUnreachable)
	assert.ErrorIs(t, decodeHealth(raw(200, ``)), transfer.ErrMalformedResponse)
}
