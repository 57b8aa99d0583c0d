package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucirlei/chathub360-kanban/domain"
)

const funnelSelectCols = `id, account_id, name, description, active, stages, settings,
	global_custom_attributes, created_at, updated_at`

func scanFunnel(scanner interface{ Scan(dest ...any) error }) (*domain.Funnel, error) {
	var (
		funnel      domain.Funnel
		stagesRaw   []byte
		settingsRaw sql.NullString
		attrsRaw    []byte
	)
	err := scanner.Scan(
		&funnel.ID, &funnel.AccountID, &funnel.Name, &funnel.Description, &funnel.Active,
		&stagesRaw, &settingsRaw, &attrsRaw, &funnel.CreatedAt, &funnel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesRaw, &funnel.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for funnel %d: %w", funnel.ID, err)
	}
	if settingsRaw.Valid && settingsRaw.String != "" {
		if err := json.Unmarshal([]byte(settingsRaw.String), &funnel.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for funnel %d: %w", funnel.ID, err)
		}
	}
	if err := json.Unmarshal(attrsRaw, &funnel.GlobalCustomAttributes); err != nil {
		return nil, fmt.Errorf("decode global_custom_attributes for funnel %d: %w", funnel.ID, err)
	}
	return &funnel, nil
}

// CreateFunnel validates and persists a new funnel. Name collisions
// within the account surface as a validation error, matching how the
// other validation failures are reported.
func (s *Storage) CreateFunnel(ctx context.Context, funnel *domain.Funnel) (domain.ValidationErrors, error) {
	if errs := funnel.Validate(); !errs.Empty() {
		return errs, nil
	}

	now := time.Now().UTC()
	funnel.CreatedAt = now
	funnel.UpdatedAt = now

	stages, err := json.Marshal(funnel.Stages)
	if err != nil {
		return nil, fmt.Errorf("encode funnel stages: %w", err)
	}
	attrs, err := json.Marshal(funnel.GlobalCustomAttributes)
	if err != nil {
		return nil, fmt.Errorf("encode funnel attributes: %w", err)
	}
	var settings sql.NullString
	if funnel.Settings != nil {
		raw, err := json.Marshal(funnel.Settings)
		if err != nil {
			return nil, fmt.Errorf("encode funnel settings: %w", err)
		}
		settings = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO funnels
			(account_id, name, description, active, stages, settings, global_custom_attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		funnel.AccountID, funnel.Name, funnel.Description, funnel.Active,
		stages, settings, attrs, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			errs := domain.ValidationErrors{}
			errs.Add("name", "has already been taken")
			return errs, nil
		}
		return nil, fmt.Errorf("insert funnel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted funnel id: %w", err)
	}
	funnel.ID = id
	return domain.ValidationErrors{}, nil
}

// GetFunnel fetches one funnel scoped to the account.
func (s *Storage) GetFunnel(ctx context.Context, accountID, id int64) (*domain.Funnel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+funnelSelectCols+" FROM funnels WHERE account_id = ? AND id = ?",
		accountID, id)
	funnel, err := scanFunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get funnel %d: %w", id, err)
	}
	return funnel, nil
}

// ListFunnels returns every funnel on the account ordered by name.
func (s *Storage) ListFunnels(ctx context.Context, accountID int64) ([]domain.Funnel, error) {
	return s.listFunnels(ctx, "account_id = ? ORDER BY name ASC", accountID)
}

// ListActiveFunnels returns the account's active funnels, the set the
// auto-creation engine scans.
func (s *Storage) ListActiveFunnels(ctx context.Context, accountID int64) ([]domain.Funnel, error) {
	return s.listFunnels(ctx, "account_id = ? AND active = 1 ORDER BY name ASC", accountID)
}

func (s *Storage) listFunnels(ctx context.Context, where string, args ...any) ([]domain.Funnel, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+funnelSelectCols+" FROM funnels WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list funnels: %w", err)
	}
	defer rows.Close()

	funnels := []domain.Funnel{}
	for rows.Next() {
		funnel, err := scanFunnel(rows)
		if err != nil {
			return nil, err
		}
		funnels = append(funnels, *funnel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list funnels: %w", err)
	}
	return funnels, nil
}

// UpdateFunnel persists funnel changes.
func (s *Storage) UpdateFunnel(ctx context.Context, funnel *domain.Funnel) (domain.ValidationErrors, error) {
	if errs := funnel.Validate(); !errs.Empty() {
		return errs, nil
	}
	funnel.UpdatedAt = time.Now().UTC()

	stages, err := json.Marshal(funnel.Stages)
	if err != nil {
		return nil, fmt.Errorf("encode funnel stages: %w", err)
	}
	attrs, err := json.Marshal(funnel.GlobalCustomAttributes)
	if err != nil {
		return nil, fmt.Errorf("encode funnel attributes: %w", err)
	}
	var settings sql.NullString
	if funnel.Settings != nil {
		raw, err := json.Marshal(funnel.Settings)
		if err != nil {
			return nil, fmt.Errorf("encode funnel settings: %w", err)
		}
		settings = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE funnels SET
			name = ?, description = ?, active = ?, stages = ?, settings = ?,
			global_custom_attributes = ?, updated_at = ?
		WHERE account_id = ? AND id = ?`,
		funnel.Name, funnel.Description, funnel.Active, stages, settings,
		attrs, funnel.UpdatedAt, funnel.AccountID, funnel.ID)
	if err != nil {
		if isUniqueViolation(err) {
			errs := domain.ValidationErrors{}
			errs.Add("name", "has already been taken")
			return errs, nil
		}
		return nil, fmt.Errorf("update funnel %d: %w", funnel.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update funnel %d: %w", funnel.ID, err)
	}
	if affected == 0 {
		return nil, domain.ErrNotFound
	}
	return domain.ValidationErrors{}, nil
}

// DeleteFunnel removes the funnel and every item it owns.
func (s *Storage) DeleteFunnel(ctx context.Context, accountID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin funnel delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM kanban_items WHERE account_id = ? AND funnel_id = ?", accountID, id); err != nil {
		return fmt.Errorf("delete funnel %d items: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM funnels WHERE account_id = ? AND id = ?", accountID, id)
	if err != nil {
		return fmt.Errorf("delete funnel %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete funnel %d: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
