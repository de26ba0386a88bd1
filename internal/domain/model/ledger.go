package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// CreditReason is the reason code attached to every ledger entry.
type CreditReason string

const (
	ReasonDeductForBatch  CreditReason = "deduct_for_batch"
	ReasonDeductForRetry  CreditReason = "deduct_for_retry"
	ReasonRefundTask      CreditReason = "refund_task"
	ReasonRefundCancelled CreditReason = "refund_cancelled"
	ReasonRecharge        CreditReason = "recharge"
	ReasonNewUserGift     CreditReason = "new_user_gift"
	ReasonAdminAdjust     CreditReason = "admin_adjust"
)

// CreditEntry is an immutable signed balance change. A user's balance is
// defined as the sum of their entries; entries are never updated or deleted.
type CreditEntry struct {
	ID         string
	UserID     string
	Delta      int
	Reason     CreditReason
	RefBatchID string
	RefTaskID  string
	CreatedAt  time.Time
}

func NewEntryID() string { return ulid.Make().String() }
