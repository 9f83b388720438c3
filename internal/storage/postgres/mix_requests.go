package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

// rowScanner lets the scanMixRequest helper run against either a
// *sqlx.Row or a row from sqlx.Rows.Next(), matching the teacher's shared
// Scan-interface convention.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateMixRequest(ctx context.Context, req mixer.MixRequest) (mixer.MixRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	outputsJSON, err := json.Marshal(req.OutputAddresses)
	if err != nil {
		return mixer.MixRequest{}, fmt.Errorf("postgres: marshal output_addresses: %w", err)
	}
	ipEnc, err := s.encryptField(ctx, req.IPAddress, "ip_address")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	uaEnc, err := s.encryptField(ctx, req.UserAgent, "user_agent")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	refEnc, err := s.encryptField(ctx, req.Referrer, "referrer")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	notesEnc, err := s.encryptField(ctx, req.Notes, "notes")
	if err != nil {
		return mixer.MixRequest{}, err
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO mix_requests
			(id, currency, input_amount, deposit_address, output_addresses, delay_seconds,
			 status, retry_count, error_message, error_code,
			 ip_address_enc, user_agent_enc, referrer_enc, notes_enc,
			 created_at, updated_at, expires_at, deposit_confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, req.ID, string(req.Currency), int64(req.InputAmount), req.DepositAddress, outputsJSON, req.DelaySeconds,
		string(req.Status), req.RetryCount, req.ErrorMessage, req.ErrorCode,
		ipEnc, uaEnc, refEnc, notesEnc,
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt, toNullTime(derefTime(req.DepositConfirmedAt)))
	if err != nil {
		return mixer.MixRequest{}, fmt.Errorf("postgres: insert mix_request: %w", err)
	}
	return req, nil
}

func (s *Store) UpdateMixRequest(ctx context.Context, req mixer.MixRequest) (mixer.MixRequest, error) {
	existing, err := s.GetMixRequest(ctx, req.ID)
	if err != nil {
		return mixer.MixRequest{}, err
	}
	req.CreatedAt = existing.CreatedAt
	req.UpdatedAt = time.Now().UTC()

	outputsJSON, err := json.Marshal(req.OutputAddresses)
	if err != nil {
		return mixer.MixRequest{}, fmt.Errorf("postgres: marshal output_addresses: %w", err)
	}
	ipEnc, err := s.encryptField(ctx, req.IPAddress, "ip_address")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	uaEnc, err := s.encryptField(ctx, req.UserAgent, "user_agent")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	refEnc, err := s.encryptField(ctx, req.Referrer, "referrer")
	if err != nil {
		return mixer.MixRequest{}, err
	}
	notesEnc, err := s.encryptField(ctx, req.Notes, "notes")
	if err != nil {
		return mixer.MixRequest{}, err
	}

	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE mix_requests
		SET currency = $2, input_amount = $3, deposit_address = $4, output_addresses = $5,
		    delay_seconds = $6, status = $7, retry_count = $8, error_message = $9, error_code = $10,
		    ip_address_enc = $11, user_agent_enc = $12, referrer_enc = $13, notes_enc = $14,
		    updated_at = $15, expires_at = $16, deposit_confirmed_at = $17
		WHERE id = $1
	`, req.ID, string(req.Currency), int64(req.InputAmount), req.DepositAddress, outputsJSON,
		req.DelaySeconds, string(req.Status), req.RetryCount, req.ErrorMessage, req.ErrorCode,
		ipEnc, uaEnc, refEnc, notesEnc,
		req.UpdatedAt, req.ExpiresAt, toNullTime(derefTime(req.DepositConfirmedAt)))
	if err != nil {
		return mixer.MixRequest{}, fmt.Errorf("postgres: update mix_request: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return mixer.MixRequest{}, sql.ErrNoRows
	}
	return req, nil
}

func (s *Store) GetMixRequest(ctx context.Context, id string) (mixer.MixRequest, error) {
	row := s.q(ctx).QueryRowxContext(ctx, `
		SELECT id, currency, input_amount, deposit_address, output_addresses, delay_seconds,
		       status, retry_count, error_message, error_code,
		       ip_address_enc, user_agent_enc, referrer_enc, notes_enc,
		       created_at, updated_at, expires_at, deposit_confirmed_at
		FROM mix_requests WHERE id = $1
	`, id)
	return s.scanMixRequest(ctx, row)
}

func (s *Store) ListMixRequestsByStatus(ctx context.Context, status mixer.Status, limit int) ([]mixer.MixRequest, error) {
	query := `
		SELECT id, currency, input_amount, deposit_address, output_addresses, delay_seconds,
		       status, retry_count, error_message, error_code,
		       ip_address_enc, user_agent_enc, referrer_enc, notes_enc,
		       created_at, updated_at, expires_at, deposit_confirmed_at
		FROM mix_requests WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.q(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list mix_requests by status: %w", err)
	}
	defer rows.Close()
	return s.scanMixRequests(ctx, rows)
}

// ListCandidates returns PENDING requests of currency within a tolerance
// band of amount and not yet expired, excluding excludeID — the CoinJoin
// candidate query.
func (s *Store) ListCandidates(ctx context.Context, currency ledger.Currency, amount ledger.Amount, toleranceBP ledger.BasisPoints, asOf time.Time, excludeID string) ([]mixer.MixRequest, error) {
	lowBP := int64(ledger.BasisPointsDenominator) - int64(toleranceBP)
	highBP := int64(ledger.BasisPointsDenominator) + int64(toleranceBP)
	low := int64(amount) * lowBP / int64(ledger.BasisPointsDenominator)
	high := int64(amount) * highBP / int64(ledger.BasisPointsDenominator)

	rows, err := s.q(ctx).QueryxContext(ctx, `
		SELECT id, currency, input_amount, deposit_address, output_addresses, delay_seconds,
		       status, retry_count, error_message, error_code,
		       ip_address_enc, user_agent_enc, referrer_enc, notes_enc,
		       created_at, updated_at, expires_at, deposit_confirmed_at
		FROM mix_requests
		WHERE currency = $1 AND status = $2 AND expires_at > $3
		  AND input_amount BETWEEN $4 AND $5 AND id != $6
	`, string(currency), string(mixer.StatusPending), asOf, low, high, excludeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candidates: %w", err)
	}
	defer rows.Close()
	return s.scanMixRequests(ctx, rows)
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]mixer.MixRequest, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, `
		SELECT id, currency, input_amount, deposit_address, output_addresses, delay_seconds,
		       status, retry_count, error_message, error_code,
		       ip_address_enc, user_agent_enc, referrer_enc, notes_enc,
		       created_at, updated_at, expires_at, deposit_confirmed_at
		FROM mix_requests
		WHERE status NOT IN ($1, $2, $3)
	`, string(mixer.StatusCompleted), string(mixer.StatusFailed), string(mixer.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("postgres: list non-terminal mix_requests: %w", err)
	}
	defer rows.Close()
	return s.scanMixRequests(ctx, rows)
}

func (s *Store) scanMixRequest(ctx context.Context, scanner rowScanner) (mixer.MixRequest, error) {
	var (
		req              mixer.MixRequest
		currency         string
		status           string
		outputsRaw       []byte
		ipEnc            []byte
		uaEnc            []byte
		refEnc           []byte
		notesEnc         []byte
		depositConfirmed sql.NullTime
	)
	if err := scanner.Scan(&req.ID, &currency, &req.InputAmount, &req.DepositAddress, &outputsRaw, &req.DelaySeconds,
		&status, &req.RetryCount, &req.ErrorMessage, &req.ErrorCode,
		&ipEnc, &uaEnc, &refEnc, &notesEnc,
		&req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt, &depositConfirmed); err != nil {
		return mixer.MixRequest{}, err
	}
	req.Currency = ledger.Currency(currency)
	req.Status = mixer.Status(status)
	if len(outputsRaw) > 0 {
		if err := json.Unmarshal(outputsRaw, &req.OutputAddresses); err != nil {
			return mixer.MixRequest{}, fmt.Errorf("postgres: unmarshal output_addresses: %w", err)
		}
	}
	if depositConfirmed.Valid {
		t := depositConfirmed.Time.UTC()
		req.DepositConfirmedAt = &t
	}

	var err error
	if req.IPAddress, err = s.decryptField(ctx, ipEnc); err != nil {
		return mixer.MixRequest{}, err
	}
	if req.UserAgent, err = s.decryptField(ctx, uaEnc); err != nil {
		return mixer.MixRequest{}, err
	}
	if req.Referrer, err = s.decryptField(ctx, refEnc); err != nil {
		return mixer.MixRequest{}, err
	}
	if req.Notes, err = s.decryptField(ctx, notesEnc); err != nil {
		return mixer.MixRequest{}, err
	}
	return req, nil
}

func (s *Store) scanMixRequests(ctx context.Context, rows *sqlx.Rows) ([]mixer.MixRequest, error) {
	out := make([]mixer.MixRequest, 0)
	for rows.Next() {
		req, err := s.scanMixRequest(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
