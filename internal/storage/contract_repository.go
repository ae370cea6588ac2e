package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const contractColumns = `identifier, deployer, name, transaction_count, last_seen, analysis_status,
	interface, source, classification, classification_errors, analyzed_at, created_at, updated_at`

// ContractRepository handles the contract catalogue
type ContractRepository struct {
	db *PostgresDB
}

// NewContractRepository creates a new contract repository
func NewContractRepository(db *PostgresDB) *ContractRepository {
	return &ContractRepository{db: db}
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	var status string
	err := row.Scan(
		&c.Identifier, &c.Deployer, &c.Name, &c.TransactionCount, &c.LastSeen, &status,
		&c.Interface, &c.Source, &c.Classification, &c.ClassificationErrors, &c.AnalyzedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.AnalysisStatus = types.AnalysisStatus(status)
	if c.ClassificationErrors == nil {
		c.ClassificationErrors = []string{}
	}
	return &c, nil
}

func collectContracts(rows pgx.Rows) ([]*models.Contract, error) {
	defer rows.Close()
	var out []*models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan contract", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate contracts", err)
	}
	return out, nil
}

// InsertContractIfAbsent inserts a discovered row; an existing row is never touched
func (r *ContractRepository) InsertContractIfAbsent(ctx context.Context, c *models.Contract) (bool, error) {
	errs := c.ClassificationErrors
	if errs == nil {
		errs = []string{}
	}
	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO contracts (identifier, deployer, name, transaction_count, last_seen, analysis_status, classification_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identifier) DO NOTHING
	`, c.Identifier, c.Deployer, c.Name, c.TransactionCount, c.LastSeen, string(c.AnalysisStatus), errs)
	if err != nil {
		return false, apperrors.NewDatabaseError("insert contract", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetContract retrieves a contract by identifier
func (r *ContractRepository) GetContract(ctx context.Context, identifier string) (*models.Contract, error) {
	c, err := scanContract(r.db.Pool().QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE identifier = $1`, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("contract", identifier)
		}
		return nil, apperrors.NewDatabaseError("get contract", err)
	}
	return c, nil
}

// ListContracts returns rows ranked by transaction count then recency
func (r *ContractRepository) ListContracts(ctx context.Context, f models.ContractFilter) ([]*models.Contract, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("analysis_status = $%d", len(args)))
	}
	if f.Classification != "" {
		args = append(args, f.Classification)
		where = append(where, fmt.Sprintf("classification = $%d", len(args)))
	}

	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY transaction_count DESC, last_seen DESC, identifier LIMIT NULLIF($%d, 0) OFFSET $%d",
		len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list contracts", err)
	}
	return collectContracts(rows)
}

// CountContractsSince counts rows created at or after since
func (r *ContractRepository) CountContractsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count contracts", err)
	}
	return n, nil
}

// ClaimContracts moves discovered rows not attempted since retryBefore, and
// analyzing rows not touched since staleBefore, into analyzing. Concurrent
// claimers never receive the same row.
func (r *ContractRepository) ClaimContracts(ctx context.Context, limit int, staleBefore, retryBefore time.Time) ([]*models.Contract, error) {
	rows, err := r.db.Pool().Query(ctx, `
		WITH picked AS (
			SELECT identifier FROM contracts
			WHERE (analysis_status = $1 AND (analyzed_at IS NULL OR analyzed_at < $5))
				OR (analysis_status = $2 AND updated_at < $3)
			ORDER BY transaction_count DESC, last_seen DESC, identifier
			LIMIT NULLIF($4, 0)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE contracts c SET analysis_status = $2, updated_at = NOW()
		FROM picked WHERE c.identifier = picked.identifier
		RETURNING `+prefixColumns("c.", contractColumns),
		string(types.AnalysisDiscovered), string(types.AnalysisAnalyzing), staleBefore, limit, retryBefore)
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim contracts", err)
	}
	out, err := collectContracts(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionCount != out[j].TransactionCount {
			return out[i].TransactionCount > out[j].TransactionCount
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

// SaveAnalysis writes the analyzer-owned columns when the lifecycle allows it
func (r *ContractRepository) SaveAnalysis(ctx context.Context, c *models.Contract) error {
	return r.db.InTx(ctx, "save analysis", func(tx pgx.Tx) error {
		cur, err := lockStatus(ctx, tx, `SELECT analysis_status FROM contracts WHERE identifier = $1 FOR UPDATE`,
			"contract", c.Identifier)
		if err != nil {
			return err
		}
		if !types.AnalysisStatus(cur).CanTransitionTo(c.AnalysisStatus) {
			return apperrors.NewConflictError(fmt.Sprintf("contract %s cannot move from %s to %s",
				c.Identifier, cur, c.AnalysisStatus))
		}

		errs := c.ClassificationErrors
		if errs == nil {
			errs = []string{}
		}
		_, err = tx.Exec(ctx, `
			UPDATE contracts SET analysis_status = $2, interface = $3, source = $4, classification = $5,
				classification_errors = $6, analyzed_at = $7, updated_at = NOW()
			WHERE identifier = $1
		`, c.Identifier, string(c.AnalysisStatus), c.Interface, c.Source, c.Classification, errs, c.AnalyzedAt)
		if err != nil {
			return apperrors.NewDatabaseError("save analysis", err)
		}
		return nil
	})
}

// RequestReanalysis returns an analyzed or errored contract to discovered.
// The last attempt time is cleared so the next claim picks it up at once.
func (r *ContractRepository) RequestReanalysis(ctx context.Context, identifier string) (*models.Contract, error) {
	c, err := scanContract(r.db.Pool().QueryRow(ctx, `
		UPDATE contracts SET analysis_status = $2, analyzed_at = NULL, updated_at = NOW()
		WHERE identifier = $1 AND analysis_status IN ($3, $4)
		RETURNING `+contractColumns,
		identifier, string(types.AnalysisDiscovered), string(types.AnalysisAnalyzed), string(types.AnalysisError)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewDatabaseError("request reanalysis", err)
	}

	cur, getErr := r.GetContract(ctx, identifier)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.NewConflictError(fmt.Sprintf("contract %s is %s", identifier, cur.AnalysisStatus))
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
