package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const tokenColumns = `contract_identifier, token_type, name, symbol, decimals, total_supply, token_uri,
	image_url, description, validation_status, transaction_count, last_seen, enrichment_attempts,
	last_enriched_at, created_at, updated_at`

// TokenRepository handles the token catalogue
type TokenRepository struct {
	db *PostgresDB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *PostgresDB) *TokenRepository {
	return &TokenRepository{db: db}
}

func scanToken(row pgx.Row) (*models.Token, error) {
	var t models.Token
	var tokenType, status string
	err := row.Scan(
		&t.ContractIdentifier, &tokenType, &t.Name, &t.Symbol, &t.Decimals, &t.TotalSupply, &t.TokenURI,
		&t.ImageURL, &t.Description, &status, &t.TransactionCount, &t.LastSeen, &t.EnrichmentAttempts,
		&t.LastEnrichedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TokenType = types.TokenType(tokenType)
	t.ValidationStatus = types.ValidationStatus(status)
	return &t, nil
}

func collectTokens(rows pgx.Rows) ([]*models.Token, error) {
	defer rows.Close()
	var out []*models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan token", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate tokens", err)
	}
	return out, nil
}

// InsertTokenIfAbsent inserts a pending token row; an existing row is never touched
func (r *TokenRepository) InsertTokenIfAbsent(ctx context.Context, t *models.Token) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO tokens (contract_identifier, token_type, validation_status, transaction_count, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (contract_identifier) DO NOTHING
	`, t.ContractIdentifier, string(t.TokenType), string(t.ValidationStatus), t.TransactionCount, t.LastSeen)
	if err != nil {
		return false, apperrors.NewDatabaseError("insert token", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetToken retrieves a token by contract identifier
func (r *TokenRepository) GetToken(ctx context.Context, identifier string) (*models.Token, error) {
	t, err := scanToken(r.db.Pool().QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE contract_identifier = $1`, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("token", identifier)
		}
		return nil, apperrors.NewDatabaseError("get token", err)
	}
	return t, nil
}

// ListTokens returns rows ranked by transaction count then recency
func (r *TokenRepository) ListTokens(ctx context.Context, f models.TokenFilter) ([]*models.Token, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("validation_status = $%d", len(args)))
	}
	if f.TokenType != "" {
		args = append(args, string(f.TokenType))
		where = append(where, fmt.Sprintf("token_type = $%d", len(args)))
	}

	query := `SELECT ` + tokenColumns + ` FROM tokens`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY transaction_count DESC, last_seen DESC, contract_identifier LIMIT NULLIF($%d, 0) OFFSET $%d",
		len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list tokens", err)
	}
	return collectTokens(rows)
}

// CountTokensSince counts rows created at or after since
func (r *TokenRepository) CountTokensSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM tokens WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count tokens", err)
	}
	return n, nil
}

// ListPendingTokens returns pending tokens not attempted since retryBefore
func (r *TokenRepository) ListPendingTokens(ctx context.Context, limit int, retryBefore time.Time) ([]*models.Token, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE validation_status = $1 AND (last_enriched_at IS NULL OR last_enriched_at < $2)
		ORDER BY transaction_count DESC, last_seen DESC, contract_identifier
		LIMIT NULLIF($3, 0)
	`, string(types.ValidationPending), retryBefore, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pending tokens", err)
	}
	return collectTokens(rows)
}

// SaveEnrichment writes the enrichment-owned columns when the lifecycle allows it
func (r *TokenRepository) SaveEnrichment(ctx context.Context, t *models.Token) error {
	return r.db.InTx(ctx, "save enrichment", func(tx pgx.Tx) error {
		cur, err := lockStatus(ctx, tx, `SELECT validation_status FROM tokens WHERE contract_identifier = $1 FOR UPDATE`,
			"token", t.ContractIdentifier)
		if err != nil {
			return err
		}
		if !types.ValidationStatus(cur).CanTransitionTo(t.ValidationStatus) {
			return apperrors.NewConflictError(fmt.Sprintf("token %s cannot move from %s to %s",
				t.ContractIdentifier, cur, t.ValidationStatus))
		}

		_, err = tx.Exec(ctx, `
			UPDATE tokens SET name = $2, symbol = $3, decimals = $4, total_supply = $5, token_uri = $6,
				image_url = $7, description = $8, validation_status = $9, enrichment_attempts = $10,
				last_enriched_at = $11, updated_at = NOW()
			WHERE contract_identifier = $1
		`, t.ContractIdentifier, t.Name, t.Symbol, t.Decimals, t.TotalSupply, t.TokenURI,
			t.ImageURL, t.Description, string(t.ValidationStatus), t.EnrichmentAttempts, t.LastEnrichedAt)
		if err != nil {
			return apperrors.NewDatabaseError("save enrichment", err)
		}
		return nil
	})
}
