package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// WarehouseRepository holds the raw event log, the staging relations and
// the marts in ClickHouse.
type WarehouseRepository struct {
	db *ClickHouseDB
}

// NewWarehouseRepository creates a new warehouse repository
func NewWarehouseRepository(db *ClickHouseDB) *WarehouseRepository {
	return &WarehouseRepository{db: db}
}

// windowClause renders the half-open window over col
func windowClause(col string, w models.Window, args []any) (string, []any) {
	var parts []string
	if !w.From.IsZero() {
		parts = append(parts, col+" >= ?")
		args = append(args, w.From)
	}
	if !w.To.IsZero() {
		parts = append(parts, col+" < ?")
		args = append(args, w.To)
	}
	if len(parts) == 0 {
		return "1 = 1", args
	}
	return strings.Join(parts, " AND "), args
}

// AppendRawEvents writes entries to the raw log
func (r *WarehouseRepository) AppendRawEvents(ctx context.Context, events []models.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := r.db.Conn().PrepareBatch(ctx, "INSERT INTO raw_events (id, path, received_at, payload)")
	if err != nil {
		return apperrors.NewDatabaseError("prepare raw_events batch", err)
	}
	for _, e := range events {
		if err := batch.Append(e.ID, e.Path, e.ReceivedAt, e.Payload); err != nil {
			return apperrors.NewDatabaseError("append raw event", err)
		}
	}
	if err := batch.Send(); err != nil {
		return apperrors.NewDatabaseError("send raw_events batch", err)
	}
	return nil
}

// ReadRawEvents pages the raw log in (received_at, id) order
func (r *WarehouseRepository) ReadRawEvents(ctx context.Context, w models.Window, after *models.Cursor, limit int) ([]models.RawEvent, error) {
	where, args := windowClause("received_at", w, nil)
	if after != nil {
		where += " AND (received_at, id) > (?, ?)"
		args = append(args, after.ReceivedAt, after.ID)
	}
	query := "SELECT id, path, received_at, payload FROM raw_events WHERE " + where + " ORDER BY received_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read raw events", err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var e models.RawEvent
		if err := rows.Scan(&e.ID, &e.Path, &e.ReceivedAt, &e.Payload); err != nil {
			return nil, apperrors.NewDatabaseError("scan raw event", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteStaging inserts a batch into the ReplacingMergeTree staging tables.
// Rows sharing a key collapse on merge and reads use FINAL.
func (r *WarehouseRepository) WriteStaging(ctx context.Context, b *models.StagingBatch) error {
	if len(b.Blocks) > 0 {
		err := r.insert(ctx, "INSERT INTO stg_blocks (block_hash, block_index, parent_hash, timestamp, tx_count, received_at)",
			len(b.Blocks), func(batch driver.Batch, i int) error {
				x := b.Blocks[i]
				return batch.Append(x.BlockHash, x.BlockIndex, x.ParentHash, x.Timestamp, x.TxCount, x.ReceivedAt)
			})
		if err != nil {
			return err
		}
	}
	if len(b.Transactions) > 0 {
		err := r.insert(ctx, `INSERT INTO stg_transactions (tx_hash, block_hash, block_index, position, sender, fee,
			nonce, success, kind, contract_identifier, function_name, function_args, source_code, timestamp)`,
			len(b.Transactions), func(batch driver.Batch, i int) error {
				x := b.Transactions[i]
				args := x.FunctionArgs
				if args == nil {
					args = []string{}
				}
				return batch.Append(x.TxHash, x.BlockHash, x.BlockIndex, x.Position, x.Sender, x.Fee,
					x.Nonce, x.Success, string(x.Kind), x.ContractIdentifier, x.FunctionName, args, x.SourceCode, x.Timestamp)
			})
		if err != nil {
			return err
		}
	}
	if len(b.Operations) > 0 {
		err := r.insert(ctx, `INSERT INTO stg_address_operations (tx_hash, operation_index, address, operation_type,
			amount, asset, decimals, timestamp)`,
			len(b.Operations), func(batch driver.Batch, i int) error {
				x := b.Operations[i]
				return batch.Append(x.TxHash, x.OperationIndex, x.Address, string(x.OperationType),
					x.Amount, x.Asset, x.Decimals, x.Timestamp)
			})
		if err != nil {
			return err
		}
	}
	if len(b.Events) > 0 {
		err := r.insert(ctx, `INSERT INTO stg_contract_events (tx_hash, event_index, event_type, contract_identifier,
			asset_identifier, sender, recipient, amount, topic, timestamp)`,
			len(b.Events), func(batch driver.Batch, i int) error {
				x := b.Events[i]
				return batch.Append(x.TxHash, x.EventIndex, x.EventType, x.ContractIdentifier,
					x.AssetIdentifier, x.Sender, x.Recipient, x.Amount, x.Topic, x.Timestamp)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteDeadLetters stores unparseable payloads verbatim
func (r *WarehouseRepository) WriteDeadLetters(ctx context.Context, letters []models.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	return r.insert(ctx, "INSERT INTO stg_dead_letters (raw_id, path, received_at, payload, reason)",
		len(letters), func(batch driver.Batch, i int) error {
			l := letters[i]
			return batch.Append(l.RawID, l.Path, l.ReceivedAt, l.Payload, l.Reason)
		})
}

func (r *WarehouseRepository) insert(ctx context.Context, query string, n int, appendRow func(driver.Batch, int) error) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return apperrors.NewDatabaseError("prepare batch", err)
	}
	for i := 0; i < n; i++ {
		if err := appendRow(batch, i); err != nil {
			_ = batch.Abort()
			return apperrors.NewDatabaseError("append row", err)
		}
	}
	if err := batch.Send(); err != nil {
		return apperrors.NewDatabaseError("send batch", err)
	}
	return nil
}

// ReadStaging returns the deduplicated staging rows in the window
func (r *WarehouseRepository) ReadStaging(ctx context.Context, w models.Window) (*models.StagingBatch, error) {
	where, args := windowClause("timestamp", w, nil)

	out := &models.StagingBatch{}
	var err error
	if out.Blocks, err = r.readBlocks(ctx, where, args); err != nil {
		return nil, err
	}
	if out.Transactions, err = r.readTransactions(ctx, where, args); err != nil {
		return nil, err
	}
	if out.Operations, err = r.readOperations(ctx, where, args); err != nil {
		return nil, err
	}
	if out.Events, err = r.readEvents(ctx, where, args); err != nil {
		return nil, err
	}
	return out, nil
}

// ContractActivity returns the staged calls to identifier in the window and
// the events those calls emitted or that moved assets to or from it
func (r *WarehouseRepository) ContractActivity(ctx context.Context, identifier string, w models.Window) (*models.StagingBatch, error) {
	window, wargs := windowClause("timestamp", w, nil)

	txArgs := append([]any{identifier}, wargs...)
	txs, err := r.readTransactions(ctx, "contract_identifier = ? AND "+window, txArgs)
	if err != nil {
		return nil, err
	}

	evArgs := append([]any{}, wargs...)
	evArgs = append(evArgs, identifier)
	evArgs = append(evArgs, wargs...)
	evArgs = append(evArgs, identifier, identifier)
	events, err := r.readEvents(ctx, window+` AND (tx_hash IN (
			SELECT tx_hash FROM stg_transactions FINAL WHERE contract_identifier = ? AND `+window+`
		) OR sender = ? OR recipient = ?)`, evArgs)
	if err != nil {
		return nil, err
	}
	return &models.StagingBatch{Transactions: txs, Events: events}, nil
}

func (r *WarehouseRepository) readBlocks(ctx context.Context, where string, args []any) ([]models.StagingBlock, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT block_hash, block_index, parent_hash, timestamp, tx_count, received_at
		FROM stg_blocks FINAL WHERE `+where+` ORDER BY block_hash`, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read stg_blocks", err)
	}
	defer rows.Close()

	var out []models.StagingBlock
	for rows.Next() {
		var x models.StagingBlock
		if err := rows.Scan(&x.BlockHash, &x.BlockIndex, &x.ParentHash, &x.Timestamp, &x.TxCount, &x.ReceivedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan stg_blocks", err)
		}
		x.Timestamp, x.ReceivedAt = x.Timestamp.UTC(), x.ReceivedAt.UTC()
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("read stg_blocks", err)
	}
	return out, nil
}

func (r *WarehouseRepository) readTransactions(ctx context.Context, where string, args []any) ([]models.StagingTransaction, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT tx_hash, block_hash, block_index, position, sender, fee, nonce, success,
		kind, contract_identifier, function_name, function_args, source_code, timestamp
		FROM stg_transactions FINAL WHERE `+where+` ORDER BY tx_hash`, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read stg_transactions", err)
	}
	defer rows.Close()

	var out []models.StagingTransaction
	for rows.Next() {
		var x models.StagingTransaction
		var kind string
		if err := rows.Scan(&x.TxHash, &x.BlockHash, &x.BlockIndex, &x.Position, &x.Sender, &x.Fee, &x.Nonce, &x.Success,
			&kind, &x.ContractIdentifier, &x.FunctionName, &x.FunctionArgs, &x.SourceCode, &x.Timestamp); err != nil {
			return nil, apperrors.NewDatabaseError("scan stg_transactions", err)
		}
		x.Kind = types.TransactionKind(kind)
		x.Timestamp = x.Timestamp.UTC()
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("read stg_transactions", err)
	}
	return out, nil
}

func (r *WarehouseRepository) readOperations(ctx context.Context, where string, args []any) ([]models.StagingAddressOperation, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT tx_hash, operation_index, address, operation_type, amount, asset, decimals, timestamp
		FROM stg_address_operations FINAL WHERE `+where+` ORDER BY tx_hash, operation_index`, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read stg_address_operations", err)
	}
	defer rows.Close()

	var out []models.StagingAddressOperation
	for rows.Next() {
		var x models.StagingAddressOperation
		var opType string
		if err := rows.Scan(&x.TxHash, &x.OperationIndex, &x.Address, &opType, &x.Amount, &x.Asset, &x.Decimals, &x.Timestamp); err != nil {
			return nil, apperrors.NewDatabaseError("scan stg_address_operations", err)
		}
		x.OperationType = types.OperationType(opType)
		x.Timestamp = x.Timestamp.UTC()
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("read stg_address_operations", err)
	}
	return out, nil
}

func (r *WarehouseRepository) readEvents(ctx context.Context, where string, args []any) ([]models.StagingContractEvent, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT tx_hash, event_index, event_type, contract_identifier, asset_identifier,
		sender, recipient, amount, topic, timestamp
		FROM stg_contract_events FINAL WHERE `+where+` ORDER BY tx_hash, event_index`, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read stg_contract_events", err)
	}
	defer rows.Close()

	var out []models.StagingContractEvent
	for rows.Next() {
		var x models.StagingContractEvent
		if err := rows.Scan(&x.TxHash, &x.EventIndex, &x.EventType, &x.ContractIdentifier, &x.AssetIdentifier,
			&x.Sender, &x.Recipient, &x.Amount, &x.Topic, &x.Timestamp); err != nil {
			return nil, apperrors.NewDatabaseError("scan stg_contract_events", err)
		}
		x.Timestamp = x.Timestamp.UTC()
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("read stg_contract_events", err)
	}
	return out, nil
}

// DeploySource returns the source code of the contract's staged deploy transaction
func (r *WarehouseRepository) DeploySource(ctx context.Context, identifier string) (string, bool, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT source_code FROM stg_transactions FINAL
		WHERE kind = ? AND contract_identifier = ? AND source_code != ''
		ORDER BY block_index LIMIT 1`, string(types.TxContractDeploy), identifier)
	if err != nil {
		return "", false, apperrors.NewDatabaseError("read deploy source", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var src string
	if err := rows.Scan(&src); err != nil {
		return "", false, apperrors.NewDatabaseError("scan deploy source", err)
	}
	return src, true, nil
}

// CountStagedTransactions counts deduplicated staged transactions since t
func (r *WarehouseRepository) CountStagedTransactions(ctx context.Context, since time.Time) (int64, error) {
	var n uint64
	if err := r.db.Conn().QueryRow(ctx, `SELECT count() FROM stg_transactions FINAL WHERE timestamp >= ?`, since).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count staged transactions", err)
	}
	return int64(n), nil // #nosec G115 - row counts fit in int64
}

// WriteMart materializes a mart table. Overwrite truncates first; append
// adds the rows to the existing history.
func (r *WarehouseRepository) WriteMart(ctx context.Context, table models.MartTable, disposition types.Disposition) (int64, error) {
	if !identRe.MatchString(table.Name) {
		return 0, apperrors.NewInvalidParameterError("mart", fmt.Sprintf("invalid table name %q", table.Name))
	}
	for _, c := range table.Columns {
		if !identRe.MatchString(c) {
			return 0, apperrors.NewInvalidParameterError("mart", fmt.Sprintf("invalid column name %q", c))
		}
	}

	exists, err := r.db.TableExists(ctx, table.Name)
	if err != nil {
		return 0, apperrors.NewDatabaseError("describe "+table.Name, err)
	}
	if !exists {
		return 0, apperrors.NewConfigurationError(table.Name, "mart table is missing; run the clickhouse migrations")
	}

	if disposition == types.DispositionOverwrite {
		if err := r.db.Exec(ctx, "TRUNCATE TABLE "+table.Name); err != nil {
			return 0, apperrors.NewDatabaseError("truncate "+table.Name, err)
		}
	}
	if len(table.Rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", table.Name, strings.Join(table.Columns, ", "))
	err = r.insert(ctx, query, len(table.Rows), func(batch driver.Batch, i int) error {
		row := table.Rows[i]
		if len(row) != len(table.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(table.Columns))
		}
		return batch.Append(row...)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(table.Rows)), nil
}
