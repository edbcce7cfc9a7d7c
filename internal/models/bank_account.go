package models

import "time"

// BankAccount maps an external bank account number to a platform user. Used
// as the last-resort way to attribute an incoming transfer whose reference
// text matches no known pattern.
type BankAccount struct {
	AccountNumber string    `json:"account_number"`
	UserID        string    `json:"user_id"`
	BankName      string    `json:"bank_name"`
	CreatedAt     time.Time `json:"created_at"`
}
