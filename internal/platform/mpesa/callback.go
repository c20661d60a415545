package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Callback is the parsed body Daraja posts to the callback URL.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            int64
	ReceiptNumber     string
	TransactionDate   *time.Time
	PhoneNumber       string
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Daraja STK callback. Metadata only accompanies
// successful payments.
func ParseCallback(raw []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	stk := env.Body.StkCallback
	if stk == nil {
		return nil, errors.New("callback missing Body.stkCallback")
	}
	if stk.CheckoutRequestID == "" {
		return nil, errors.New("callback missing CheckoutRequestID")
	}
	if stk.ResultCode == nil {
		return nil, errors.New("callback missing ResultCode")
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        *stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata == nil {
		return cb, nil
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var f float64
			if json.Unmarshal(item.Value, &f) == nil {
				cb.Amount = int64(f)
			}
		case "MpesaReceiptNumber":
			_ = json.Unmarshal(item.Value, &cb.ReceiptNumber)
		case "TransactionDate":
			if t, ok := parseTransactionDate(item.Value); ok {
				cb.TransactionDate = &t
			}
		case "PhoneNumber":
			var n json.Number
			if json.Unmarshal(item.Value, &n) == nil {
				cb.PhoneNumber = n.String()
			}
		}
	}
	return cb, nil
}

// parseTransactionDate accepts the numeric yyyyMMddHHmmss value Daraja sends
// as well as its string form.
func parseTransactionDate(raw json.RawMessage) (time.Time, bool) {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		var n json.Number
		if json.Unmarshal(raw, &n) != nil {
			return time.Time{}, false
		}
		s = n.String()
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, s, eat)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
