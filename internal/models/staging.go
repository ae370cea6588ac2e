package models

import (
	"fmt"
	"time"

	"github.com/contract-catalog/internal/types"
)

// RawEvent is one entry of the append-only raw event log
type RawEvent struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    string    `json:"payload"`
}

// StagingBlock is the normalized block relation row, keyed by hash
type StagingBlock struct {
	BlockHash  string    `json:"blockHash"`
	BlockIndex uint64    `json:"blockIndex"`
	ParentHash string    `json:"parentHash"`
	Timestamp  time.Time `json:"timestamp"`
	TxCount    uint32    `json:"txCount"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StagingTransaction is the normalized transaction relation row, keyed by hash
type StagingTransaction struct {
	TxHash             string                `json:"txHash"`
	BlockHash          string                `json:"blockHash"`
	BlockIndex         uint64                `json:"blockIndex"`
	Position           uint32                `json:"position"`
	Sender             string                `json:"sender"`
	Fee                string                `json:"fee"`
	Nonce              uint64                `json:"nonce"`
	Success            bool                  `json:"success"`
	Kind               types.TransactionKind `json:"kind"`
	ContractIdentifier string                `json:"contractIdentifier"`
	FunctionName       string                `json:"functionName"`
	FunctionArgs       []string              `json:"functionArgs"`
	SourceCode         string                `json:"sourceCode,omitempty"`
	Timestamp          time.Time             `json:"timestamp"`
}

// StagingAddressOperation is the normalized balance-operation row
type StagingAddressOperation struct {
	TxHash         string              `json:"txHash"`
	OperationIndex uint32              `json:"operationIndex"`
	Address        string              `json:"address"`
	OperationType  types.OperationType `json:"operationType"`
	Amount         string              `json:"amount"`
	Asset          string              `json:"asset"`
	Decimals       uint8               `json:"decimals"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Key is the deterministic staging key
func (o StagingAddressOperation) Key() string {
	return fmt.Sprintf("%s:%d", o.TxHash, o.OperationIndex)
}

// StagingContractEvent is the normalized contract/token event row
type StagingContractEvent struct {
	TxHash             string    `json:"txHash"`
	EventIndex         uint32    `json:"eventIndex"`
	EventType          string    `json:"eventType"`
	ContractIdentifier string    `json:"contractIdentifier"`
	AssetIdentifier    string    `json:"assetIdentifier"`
	Sender             string    `json:"sender"`
	Recipient          string    `json:"recipient"`
	Amount             string    `json:"amount"`
	Topic              string    `json:"topic"`
	Timestamp          time.Time `json:"timestamp"`
}

// Key is the deterministic staging key
func (e StagingContractEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.EventIndex)
}

// DeadLetter captures an unparseable raw payload verbatim
type DeadLetter struct {
	RawID      string    `json:"rawId"`
	Path       string    `json:"path"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason"`
}

// StagingBatch is the set of rows produced from one window
type StagingBatch struct {
	Blocks       []StagingBlock
	Transactions []StagingTransaction
	Operations   []StagingAddressOperation
	Events       []StagingContractEvent
	DeadLetters  []DeadLetter
}

// Rows returns the number of staging rows in the batch (dead letters excluded)
func (b *StagingBatch) Rows() int {
	return len(b.Blocks) + len(b.Transactions) + len(b.Operations) + len(b.Events)
}

// Window is a half-open arrival-time range [From, To). Zero bounds are open.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls in the window
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// Trailing returns the window covering the last d up to now
func Trailing(now time.Time, d time.Duration) Window {
	if d <= 0 {
		return Window{}
	}
	return Window{From: now.Add(-d)}
}

// Cursor is an exclusive (received_at, id) position in the raw log
type Cursor struct {
	ReceivedAt time.Time
	ID         string
}

// After reports whether the event sorts after the cursor
func (c *Cursor) After(e RawEvent) bool {
	if c == nil {
		return true
	}
	if !e.ReceivedAt.Equal(c.ReceivedAt) {
		return e.ReceivedAt.After(c.ReceivedAt)
	}
	return e.ID > c.ID
}
