// Package staging normalizes raw chain event payloads into the four staging
// relations, routing payloads that cannot be parsed to a dead-letter table.
package staging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// Shape is the decode outcome of one raw payload
type Shape int

const (
	// WellFormed payloads convert without issues
	WellFormed Shape = iota
	// Partial payloads convert what parses; Issues lists the rest
	Partial
	// Unparseable payloads produce no rows and are dead-lettered
	Unparseable
)

func (s Shape) String() string {
	switch s {
	case WellFormed:
		return "well_formed"
	case Partial:
		return "partial"
	case Unparseable:
		return "unparseable"
	}
	return "unknown"
}

// Decoded is the tagged result of decoding a raw event. Exactly one of
// Batch (WellFormed, Partial) or DeadLetter (Unparseable) is meaningful.
type Decoded struct {
	Shape      Shape
	Batch      models.StagingBatch
	Issues     []*apperrors.CategorizedError
	DeadLetter *models.DeadLetter
}

// Decode converts one raw event
func Decode(raw models.RawEvent) Decoded {
	var env envelope
	if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
		return unparseable(raw, fmt.Sprintf("invalid json: %v", err))
	}

	blocks := env.Apply
	if len(blocks) == 0 && env.BlockIdentifier != nil {
		blocks = []json.RawMessage{json.RawMessage(raw.Payload)}
	}
	if len(blocks) == 0 {
		if len(env.Rollback) > 0 {
			// rollbacks carry no new rows; the replacing upsert of the
			// canonical fork supersedes reorged data
			return Decoded{Shape: WellFormed}
		}
		return unparseable(raw, "payload has no blocks")
	}

	d := Decoded{Shape: WellFormed}
	for i, b := range blocks {
		d.block(raw, i, b)
	}

	switch {
	case d.Batch.Rows() == 0 && len(d.Issues) > 0:
		return unparseable(raw, d.Issues[0].Message)
	case len(d.Issues) > 0:
		d.Shape = Partial
	}
	return d
}

func unparseable(raw models.RawEvent, reason string) Decoded {
	return Decoded{
		Shape: Unparseable,
		DeadLetter: &models.DeadLetter{
			RawID:      raw.ID,
			Path:       raw.Path,
			ReceivedAt: raw.ReceivedAt,
			Payload:    raw.Payload,
			Reason:     reason,
		},
	}
}

func (d *Decoded) issue(raw models.RawEvent, reason string, cause error) {
	d.Issues = append(d.Issues, apperrors.NewParseError(raw.ID, reason, cause))
}

func (d *Decoded) block(raw models.RawEvent, i int, msg json.RawMessage) {
	var b wireBlock
	if err := json.Unmarshal(msg, &b); err != nil {
		d.issue(raw, fmt.Sprintf("block %d", i), err)
		return
	}
	hash := strings.TrimSpace(b.BlockIdentifier.Hash)
	if hash == "" {
		d.issue(raw, fmt.Sprintf("block %d has no hash", i), nil)
		return
	}

	ts := time.Unix(int64(b.Timestamp), 0).UTC()
	if b.Timestamp == 0 {
		ts = raw.ReceivedAt.UTC()
	}

	d.Batch.Blocks = append(d.Batch.Blocks, models.StagingBlock{
		BlockHash:  hash,
		BlockIndex: uint64(b.BlockIdentifier.Index),
		ParentHash: b.ParentBlockIdentifier.Hash,
		Timestamp:  ts,
		TxCount:    uint32(len(b.Transactions)),
		ReceivedAt: raw.ReceivedAt.UTC(),
	})

	for j, txMsg := range b.Transactions {
		d.transaction(raw, hash, uint64(b.BlockIdentifier.Index), ts, j, txMsg)
	}
}

func (d *Decoded) transaction(raw models.RawEvent, blockHash string, blockIndex uint64, ts time.Time, j int, msg json.RawMessage) {
	var tx wireTransaction
	if err := json.Unmarshal(msg, &tx); err != nil {
		d.issue(raw, fmt.Sprintf("block %s transaction %d", blockHash, j), err)
		return
	}
	txHash := strings.TrimSpace(tx.TransactionIdentifier.Hash)
	if txHash == "" {
		d.issue(raw, fmt.Sprintf("block %s transaction %d has no hash", blockHash, j), nil)
		return
	}

	meta := tx.Metadata
	success := meta.Success == nil || *meta.Success
	row := models.StagingTransaction{
		TxHash:       txHash,
		BlockHash:    blockHash,
		BlockIndex:   blockIndex,
		Position:     uint32(meta.Position.Index),
		Sender:       meta.Sender,
		Fee:          string(meta.Fee),
		Nonce:        uint64(meta.Nonce),
		Success:      success,
		Kind:         transactionKind(meta.Kind.Type),
		FunctionArgs: []string{},
		Timestamp:    ts,
	}
	if row.Fee == "" {
		row.Fee = "0"
	}

	if len(meta.Kind.Data) > 0 && string(meta.Kind.Data) != "null" {
		var kd wireKindData
		if err := json.Unmarshal(meta.Kind.Data, &kd); err != nil {
			d.issue(raw, fmt.Sprintf("transaction %s kind data", txHash), err)
		} else {
			row.ContractIdentifier = kd.ContractIdentifier
			row.FunctionName = kd.Method
			for _, a := range kd.Args {
				row.FunctionArgs = append(row.FunctionArgs, string(a))
			}
			if row.Kind == types.TxContractDeploy {
				row.SourceCode = kd.Code
			}
		}
	}
	d.Batch.Transactions = append(d.Batch.Transactions, row)

	for k, opMsg := range tx.Operations {
		d.operation(raw, txHash, ts, k, opMsg)
	}
	for k, evMsg := range meta.Receipt.Events {
		d.event(raw, txHash, ts, k, evMsg)
	}
}

func (d *Decoded) operation(raw models.RawEvent, txHash string, ts time.Time, k int, msg json.RawMessage) {
	var op wireOperation
	if err := json.Unmarshal(msg, &op); err != nil {
		d.issue(raw, fmt.Sprintf("transaction %s operation %d", txHash, k), err)
		return
	}
	opType := types.OperationType(strings.ToUpper(op.Type))
	if opType != types.OperationCredit && opType != types.OperationDebit {
		// fee and lock operations are not balance movements
		return
	}
	if op.Account.Address == "" {
		d.issue(raw, fmt.Sprintf("transaction %s operation %d has no account", txHash, k), nil)
		return
	}
	if op.Status != "" && !strings.EqualFold(op.Status, "SUCCESS") {
		return
	}

	asset := op.Amount.Currency.Metadata.AssetClassIdentifier
	if asset == "" {
		asset = op.Amount.Currency.Symbol
	}
	if asset == "" {
		asset = types.NativeAsset
	}
	amount := strings.TrimPrefix(string(op.Amount.Value), "-")
	if amount == "" {
		amount = "0"
	}

	d.Batch.Operations = append(d.Batch.Operations, models.StagingAddressOperation{
		TxHash:         txHash,
		OperationIndex: uint32(op.OperationIdentifier.Index),
		Address:        op.Account.Address,
		OperationType:  opType,
		Amount:         amount,
		Asset:          asset,
		Decimals:       uint8(op.Amount.Currency.Decimals),
		Timestamp:      ts,
	})
}

func (d *Decoded) event(raw models.RawEvent, txHash string, ts time.Time, k int, msg json.RawMessage) {
	var ev wireEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		d.issue(raw, fmt.Sprintf("transaction %s event %d", txHash, k), err)
		return
	}

	index := uint32(k)
	if ev.Position != nil {
		index = uint32(ev.Position.Index)
	}
	eventType, ok := eventTypes[ev.Type]
	if !ok {
		eventType = strings.ToLower(ev.Type)
	}

	row := models.StagingContractEvent{
		TxHash:             txHash,
		EventIndex:         index,
		EventType:          eventType,
		ContractIdentifier: ev.Data.ContractIdentifier,
		AssetIdentifier:    ev.Data.AssetIdentifier,
		Sender:             ev.Data.Sender,
		Recipient:          ev.Data.Recipient,
		Amount:             string(ev.Data.Amount),
		Topic:              ev.Data.Topic,
		Timestamp:          ts,
	}
	if strings.HasPrefix(eventType, "stx_") {
		row.AssetIdentifier = types.NativeAsset
	}
	if row.ContractIdentifier == "" {
		row.ContractIdentifier = models.AssetContract(row.AssetIdentifier)
	}
	if row.Amount == "" {
		row.Amount = "0"
	}
	d.Batch.Events = append(d.Batch.Events, row)
}

func transactionKind(t string) types.TransactionKind {
	switch t {
	case "ContractCall":
		return types.TxContractCall
	case "ContractDeployment", "SmartContract":
		return types.TxContractDeploy
	case "TokenTransfer", "NativeTokenTransfer":
		return types.TxTokenTransfer
	case "Coinbase":
		return types.TxCoinbase
	}
	return types.TxOther
}
