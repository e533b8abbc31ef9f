package payment

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ParamResponseCode = "vnp_ResponseCode"
	ParamTxnRef       = "vnp_TxnRef"
	ParamAmount       = "vnp_Amount"
	ParamPayDate      = "vnp_PayDate"

	SuccessCode = "00"

	payDateLayout = "20060102150405"
	displayLayout = "02/01/2006 15:04:05"
)

// ValidationError is a malformed redirect parameter.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Redirect is the provider's return query, parsed.
type Redirect struct {
	ResponseCode string    `json:"responseCode"`
	TxnRef       string    `json:"txnRef"`
	Amount       int64     `json:"amount"`
	PaidAt       time.Time `json:"paidAt"`
	PaidAtText   string    `json:"paidAtText"`
}

// Succeeded is true only for the success sentinel; a missing code is a failure.
func (r Redirect) Succeeded() bool {
	return r.ResponseCode == SuccessCode
}

// ParseRedirect never fails on the response code: it only decides success. Reference, amount
// and date must be well formed.
func ParseRedirect(q url.Values) (Redirect, error) {
	r := Redirect{
		ResponseCode: strings.TrimSpace(q.Get(ParamResponseCode)),
		TxnRef:       strings.TrimSpace(q.Get(ParamTxnRef)),
	}
	if r.TxnRef == "" {
		return r, &ValidationError{Field: ParamTxnRef, Reason: "missing"}
	}

	rawAmount := strings.TrimSpace(q.Get(ParamAmount))
	amount, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil || amount < 0 {
		return r, &ValidationError{Field: ParamAmount, Value: rawAmount, Reason: "not a non-negative integer"}
	}
	r.Amount = amount

	rawDate := strings.TrimSpace(q.Get(ParamPayDate))
	paidAt, err := ParsePayDate(rawDate)
	if err != nil {
		return r, err
	}
	r.PaidAt = paidAt
	r.PaidAtText = FormatDisplay(paidAt)
	return r, nil
}

// ParsePayDate reads the fixed 14-digit yyyyMMddHHmmss form.
func ParsePayDate(raw string) (time.Time, error) {
	if len(raw) != len(payDateLayout) {
		return time.Time{}, &ValidationError{Field: ParamPayDate, Value: raw, Reason: "want 14 digits"}
	}
	t, err := time.Parse(payDateLayout, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: ParamPayDate, Value: raw, Reason: err.Error()}
	}
	return t, nil
}

// FormatDisplay renders dd/MM/yyyy HH:mm:ss.
func FormatDisplay(t time.Time) string {
	return t.Format(displayLayout)
}
