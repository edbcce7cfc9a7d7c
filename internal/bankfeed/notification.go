package bankfeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// Notification is one externally-reported bank payment, as delivered by the
// provider. Amount stays a string on the wire; parse it with DecimalAmount.
type Notification struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	SenderName    string `json:"sender_name,omitempty"`
	SenderAccount string `json:"sender_account,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Status        string `json:"status,omitempty"`
	Processed     bool   `json:"processed,omitempty"`
}

// DecimalAmount parses the wire amount.
func (n Notification) DecimalAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(n.Amount)
}

// Malformed is a feed item that failed contract validation. ID is empty when
// even the id field was unusable.
type Malformed struct {
	ID  string
	Err error
}

// Batch is one fetch result, split into usable and contract-violating items.
type Batch struct {
	Notifications []Notification
	Malformed     []Malformed
}

// ErrContract can be used with errors.Is to detect provider payloads that
// violate the notification contract.
var ErrContract = errors.New("notification contract violation")

const notificationSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "amount", "currency"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "transaction_id": {"type": "string"},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "currency": {"type": "string", "minLength": 1},
    "sender_name": {"type": "string"},
    "sender_account": {"type": "string"},
    "bank_name": {"type": "string"},
    "reference": {"type": "string"},
    "timestamp": {"type": "string"},
    "status": {"type": "string"},
    "processed": {"type": "boolean"}
  }
}`

var notificationSchema = jsonschema.MustCompileString("https://cambista.dev/schemas/bank-notification", notificationSchemaJSON)

// validateRaw checks one raw feed item against the provider contract.
func validateRaw(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrContract, err)
	}
	if err := notificationSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrContract, err)
	}
	return nil
}

// splitBatch validates each raw item and sorts it into the batch.
func splitBatch(raws []json.RawMessage) (*Batch, error) {
	batch := &Batch{}
	for _, raw := range raws {
		if err := validateRaw(raw); err != nil {
			batch.Malformed = append(batch.Malformed, Malformed{ID: rawID(raw), Err: err})
			continue
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			batch.Malformed = append(batch.Malformed, Malformed{ID: rawID(raw), Err: fmt.Errorf("%w: %v", ErrContract, err)})
			continue
		}
		batch.Notifications = append(batch.Notifications, n)
	}
	return batch, nil
}

// rawID best-effort extracts the id of an invalid item so it can still be
// marked unparseable.
func rawID(raw json.RawMessage) string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return partial.ID
}
