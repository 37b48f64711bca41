// Package storage persists owners, recurring definitions, their occurrence
// ledger and the generated expense/income rows in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"ricorrente/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureOwner creates an owner if missing and refreshes its token.
func (r *SQLiteRepository) EnsureOwner(ctx context.Context, id, apiToken string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO owners (id, api_token) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET api_token = excluded.api_token`,
		id, apiToken)
	if err != nil {
		return fmt.Errorf("ensure owner %s: %w", id, err)
	}
	return nil
}

// ResolveToken maps a Bearer token to its owner id.
func (r *SQLiteRepository) ResolveToken(ctx context.Context, apiToken string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM owners WHERE api_token = ?`, apiToken).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM owners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

const definitionColumns = `id, owner_id, amount_cents, category, description, kind,
	day_of_month, month_of_year, overflow_policy, month_step, step_days,
	start_date, end_date, active, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (core.Definition, error) {
	var (
		d        core.Definition
		kind     string
		cfg      core.ScheduleConfig
		overflow string
		start    string
		end      sql.NullString
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.Amount.Cents, &d.Category, &d.Description,
		&kind, &cfg.Day, &cfg.Month, &overflow, &cfg.MonthStep, &cfg.StepDays,
		&start, &end, &d.Active, &d.Version)
	if err != nil {
		return core.Definition{}, err
	}

	cfg.Overflow = core.OverflowPolicy(overflow)
	d.Schedule, err = core.ScheduleFromConfig(core.Kind(kind), cfg)
	if err != nil {
		return core.Definition{}, fmt.Errorf("definition %d: %w", d.ID, err)
	}
	d.StartDate, err = core.ParseDate(start)
	if err != nil {
		return core.Definition{}, fmt.Errorf("definition %d start date: %w", d.ID, err)
	}
	if end.Valid && end.String != "" {
		d.EndDate, err = core.ParseDate(end.String)
		if err != nil {
			return core.Definition{}, fmt.Errorf("definition %d end date: %w", d.ID, err)
		}
	}
	return d, nil
}

func (r *SQLiteRepository) loadLedger(ctx context.Context, definitionID int64) ([]core.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT occurred_on, transaction_id FROM definition_occurrences
		WHERE definition_id = ? ORDER BY occurred_on`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("load ledger for definition %d: %w", definitionID, err)
	}
	defer rows.Close()

	var ledger []core.LedgerEntry
	for rows.Next() {
		var (
			on string
			e  core.LedgerEntry
		)
		if err := rows.Scan(&on, &e.TransactionID); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Date, err = core.ParseDate(on)
		if err != nil {
			return nil, fmt.Errorf("ledger date %q: %w", on, err)
		}
		ledger = append(ledger, e)
	}
	return ledger, rows.Err()
}

// CreateDefinition inserts a new definition and fills in its id and version.
func (r *SQLiteRepository) CreateDefinition(ctx context.Context, d *core.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	cfg := d.Schedule.Config()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO recurring_definitions
			(owner_id, amount_cents, category, description, kind,
			 day_of_month, month_of_year, overflow_policy, month_step, step_days,
			 start_date, end_date, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.OwnerID, d.Amount.Cents, d.Category, d.Description, string(d.Schedule.Kind()),
		cfg.Day, cfg.Month, string(overflowOrDefault(cfg.Overflow)), cfg.MonthStep, cfg.StepDays,
		d.StartDate.String(), nullableDate(d.EndDate), d.Active)
	if err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("definition insert id: %w", err)
	}
	d.ID = id
	d.Version = 1

	slog.InfoContext(ctx, "Recurring definition created",
		"id", d.ID, "owner", d.OwnerID, "kind", string(d.Schedule.Kind()),
		"amount_cents", d.Amount.Cents)
	return nil
}

func (r *SQLiteRepository) ListDefinitions(ctx context.Context, ownerID string) ([]core.Definition, error) {
	return r.listDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM recurring_definitions
		WHERE owner_id = ? ORDER BY id`, ownerID)
}

func (r *SQLiteRepository) ListActiveDefinitions(ctx context.Context, ownerID string) ([]core.Definition, error) {
	return r.listDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM recurring_definitions
		WHERE owner_id = ? AND active = 1 ORDER BY id`, ownerID)
}

func (r *SQLiteRepository) listDefinitions(ctx context.Context, query string, args ...any) ([]core.Definition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []core.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].Ledger, err = r.loadLedger(ctx, defs[i].ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (r *SQLiteRepository) GetDefinition(ctx context.Context, ownerID string, id int64) (core.Definition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+definitionColumns+` FROM recurring_definitions
		WHERE id = ? AND owner_id = ?`, id, ownerID)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Definition{}, core.ErrNotFound
	}
	if err != nil {
		return core.Definition{}, fmt.Errorf("get definition %d: %w", id, err)
	}
	if d.Ledger, err = r.loadLedger(ctx, d.ID); err != nil {
		return core.Definition{}, err
	}
	return d, nil
}

// UpdateDefinition replaces the editable fields of an existing definition and
// bumps its version. The ledger is untouched: edits are never retroactive.
func (r *SQLiteRepository) UpdateDefinition(ctx context.Context, ownerID string, d core.Definition) (core.Definition, error) {
	if err := d.Validate(); err != nil {
		return core.Definition{}, err
	}
	cfg := d.Schedule.Config()
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_definitions SET
			amount_cents = ?, category = ?, description = ?, kind = ?,
			day_of_month = ?, month_of_year = ?, overflow_policy = ?,
			month_step = ?, step_days = ?, start_date = ?, end_date = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?`,
		d.Amount.Cents, d.Category, d.Description, string(d.Schedule.Kind()),
		cfg.Day, cfg.Month, string(overflowOrDefault(cfg.Overflow)), cfg.MonthStep, cfg.StepDays,
		d.StartDate.String(), nullableDate(d.EndDate),
		d.ID, ownerID)
	if err != nil {
		return core.Definition{}, fmt.Errorf("update definition %d: %w", d.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Definition{}, fmt.Errorf("update definition %d: %w", d.ID, err)
	}
	if affected == 0 {
		return core.Definition{}, core.ErrNotFound
	}
	return r.GetDefinition(ctx, ownerID, d.ID)
}

// SetDefinitionActive toggles generation for a definition. Deactivation is
// also how deletion works: history stays, nothing new is generated.
func (r *SQLiteRepository) SetDefinitionActive(ctx context.Context, ownerID string, id int64, active bool) (core.Definition, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_definitions
		SET active = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?`, active, id, ownerID)
	if err != nil {
		return core.Definition{}, fmt.Errorf("set definition %d active: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Definition{}, fmt.Errorf("set definition %d active: %w", id, err)
	}
	if affected == 0 {
		return core.Definition{}, core.ErrNotFound
	}
	return r.GetDefinition(ctx, ownerID, id)
}

// ToggleDefinitionActive flips the active flag in one statement, so two
// concurrent flips cannot both read the same starting state.
func (r *SQLiteRepository) ToggleDefinitionActive(ctx context.Context, ownerID string, id int64) (core.Definition, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_definitions
		SET active = 1 - active, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return core.Definition{}, fmt.Errorf("toggle definition %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Definition{}, fmt.Errorf("toggle definition %d: %w", id, err)
	}
	if affected == 0 {
		return core.Definition{}, core.ErrNotFound
	}
	return r.GetDefinition(ctx, ownerID, id)
}

// MaterializeOccurrence creates the concrete transaction for one occurrence
// date, appends the ledger row and bumps the definition version, all in a
// single database transaction. If the definition version moved since def was
// loaded, nothing is written and core.ErrVersionConflict is returned.
func (r *SQLiteRepository) MaterializeOccurrence(ctx context.Context, def *core.Definition, on core.Date) (core.Transaction, error) {
	table := "incomes"
	if def.Amount.IsExpense() {
		table = "expenses"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("begin materialize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (owner_id, amount_cents, category, description, date, generated)
		VALUES (?, ?, ?, ?, ?, 1)`,
		def.OwnerID, def.Amount.Abs().Cents, def.Category,
		core.AnnotateGenerated(def.Description), on.String())
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert generated transaction: %w", err)
	}
	txID, err := res.LastInsertId()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("generated transaction id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO definition_occurrences (definition_id, occurred_on, transaction_id)
		VALUES (?, ?, ?)`, def.ID, on.String(), txID); err != nil {
		return core.Transaction{}, fmt.Errorf("append ledger %s: %w", on, err)
	}

	guard, err := tx.ExecContext(ctx, `
		UPDATE recurring_definitions
		SET version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`, def.ID, def.Version)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("bump definition version: %w", err)
	}
	affected, err := guard.RowsAffected()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("bump definition version: %w", err)
	}
	if affected == 0 {
		return core.Transaction{}, core.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return core.Transaction{}, fmt.Errorf("commit materialize: %w", err)
	}

	def.Version++
	def.Ledger = append(def.Ledger, core.LedgerEntry{Date: on, TransactionID: txID})

	slog.InfoContext(ctx, "Occurrence materialized",
		"definition_id", def.ID, "date", on.String(), "transaction_id", txID, "table", table)

	return core.Transaction{
		ID:          txID,
		OwnerID:     def.OwnerID,
		Amount:      def.Amount,
		Category:    def.Category,
		Description: core.AnnotateGenerated(def.Description),
		Date:        on,
		Generated:   true,
	}, nil
}

// PendingExport identifies a generated row that has not reached the sheet yet.
type PendingExport struct {
	Source string
	ID     int64
}

func tableFor(source string) (string, error) {
	switch source {
	case "expenses", "incomes":
		return source, nil
	default:
		return "", fmt.Errorf("unknown transaction source %q", source)
	}
}

// GetTransactionForExport loads one row with its sign restored from the table
// it lives in.
func (r *SQLiteRepository) GetTransactionForExport(ctx context.Context, source string, id int64) (core.Transaction, error) {
	table, err := tableFor(source)
	if err != nil {
		return core.Transaction{}, err
	}
	var (
		t    core.Transaction
		date string
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount_cents, category, description, date, generated
		FROM `+table+` WHERE id = ?`, id).
		Scan(&t.ID, &t.OwnerID, &t.Amount.Cents, &t.Category, &t.Description, &date, &t.Generated)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get %s %d: %w", source, id, err)
	}
	if table == "expenses" {
		t.Amount.Cents = -t.Amount.Cents
	}
	t.Date, err = core.ParseDate(date)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("%s %d date: %w", source, id, err)
	}
	return t, nil
}

func (r *SQLiteRepository) MarkExported(ctx context.Context, source string, id int64) error {
	return r.setSyncStatus(ctx, source, id, "synced")
}

func (r *SQLiteRepository) MarkExportError(ctx context.Context, source string, id int64) error {
	return r.setSyncStatus(ctx, source, id, "error")
}

func (r *SQLiteRepository) setSyncStatus(ctx context.Context, source string, id int64, status string) error {
	table, err := tableFor(source)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE `+table+` SET sync_status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("mark %s %d %s: %w", source, id, status, err)
	}
	return nil
}

// ListPendingExports returns generated rows still waiting for the sheet
// mirror, oldest first, across both tables.
func (r *SQLiteRepository) ListPendingExports(ctx context.Context, limit int) ([]PendingExport, error) {
	var pending []PendingExport
	for _, source := range []string{"expenses", "incomes"} {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id FROM `+source+`
			WHERE sync_status = 'pending' AND generated = 1
			ORDER BY created_at LIMIT ?`, limit)
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", source, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan pending %s: %w", source, err)
			}
			pending = append(pending, PendingExport{Source: source, ID: id})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func overflowOrDefault(p core.OverflowPolicy) core.OverflowPolicy {
	if p == "" {
		return core.OverflowLastAvailable
	}
	return p
}

func nullableDate(d core.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}
