package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// TransactionStatus is the state of a payment transaction
type TransactionStatus string

const (
	TxnPending    TransactionStatus = "pending"    // Created, push not yet accepted
	TxnProcessing TransactionStatus = "processing" // Push accepted, awaiting callback
	TxnCompleted  TransactionStatus = "completed"
	TxnFailed     TransactionStatus = "failed"
	TxnCancelled  TransactionStatus = "cancelled"
	TxnTimeout    TransactionStatus = "timeout"
)

// Result codes reported by the payment gateway
const (
	ResultCodeSuccess   = 0
	ResultCodeCancelled = 1032
)

// DefaultCurrency is the only currency the gateway settles in
const DefaultCurrency = "KES"

// IsTerminal returns true once the transaction can no longer change
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxnCompleted, TxnFailed, TxnCancelled, TxnTimeout:
		return true
	}
	return false
}

// Transaction is one payment attempt for a plan on a session
type Transaction struct {
	ID                string            `json:"id"`
	Reference         string            `json:"reference"`
	SessionID         string            `json:"session_id"`
	PlanID            string            `json:"plan_id"`
	Amount            float64           `json:"amount"`
	Currency          string            `json:"currency"`
	PhoneNumber       string            `json:"phone_number"`
	CheckoutRequestID string            `json:"checkout_request_id,omitempty"`
	MerchantRequestID string            `json:"merchant_request_id,omitempty"`
	Status            TransactionStatus `json:"status"`
	ResultCode        *int              `json:"result_code,omitempty"`
	ResultDesc        string            `json:"result_desc,omitempty"`
	ReceiptNumber     string            `json:"receipt_number,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CallbackPayload   string            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
}

// NewReference builds a human-readable transaction reference
func NewReference(now time.Time) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "TXN" + now.UTC().Format("20060102150405") + hex.EncodeToString(buf)
}

// CreatePaymentRequest starts a payment for a plan on a session
type CreatePaymentRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	PlanID      string `json:"plan_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required,min=9,max=15,numeric"`
}

// MarkProcessingRequest records the gateway's acceptance of a push request
type MarkProcessingRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" binding:"required"`
	MerchantRequestID string `json:"merchant_request_id"`
}

// STKCallbackEnvelope is the webhook payload posted by the gateway
type STKCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback carries the outcome of one push request
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *int              `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is the name/value list attached to successful callbacks
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one metadata entry. Values arrive as numbers or strings.
type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// PaymentDetails is the parsed form of CallbackMetadata
type PaymentDetails struct {
	Amount          float64
	ReceiptNumber   string
	TransactionDate string
	PhoneNumber     string
}

// Details extracts the known metadata items
func (c *STKCallback) Details() PaymentDetails {
	var d PaymentDetails
	if c.CallbackMetadata == nil {
		return d
	}
	for _, item := range c.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			d.Amount, _ = strconv.ParseFloat(itemString(item.Value), 64)
		case "MpesaReceiptNumber":
			d.ReceiptNumber = itemString(item.Value)
		case "TransactionDate":
			d.TransactionDate = itemString(item.Value)
		case "PhoneNumber":
			d.PhoneNumber = itemString(item.Value)
		}
	}
	return d
}

func itemString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// TimeoutNotification is posted by the gateway when a push request expires
type TimeoutNotification struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// CallbackAck is the acknowledgement body the gateway expects
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
