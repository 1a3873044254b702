package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"expense-manager/internal/models"
)

// UpdateResult reports the outcome of a conditional expense update.
type UpdateResult int

const (
	// UpdateApplied means the row matched the expected version and was rewritten.
	UpdateApplied UpdateResult = iota
	// UpdateConflict means the row changed or vanished since it was read.
	UpdateConflict
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

const expenseColumns = "id, user_id, description, amount, category, date, version"

// CreateExpense inserts a new expense and fills in its ID and Version.
func (db *DB) CreateExpense(ctx context.Context, e *models.Expense) error {
	if e.Date.IsZero() {
		e.Date = time.Now()
	}
	e.Date = e.Date.UTC()

	row := db.queryRow(ctx,
		`INSERT INTO expenses (user_id, description, amount, category, date, version)
		 VALUES (?, ?, ?, ?, ?, 1) RETURNING id`,
		e.UserID, e.Description, e.Amount.StringFixed(2), e.Category, e.Date,
	)
	if err := row.Scan(&e.ID); err != nil {
		return err
	}
	e.Version = 1
	return nil
}

// GetExpense retrieves a single expense by ID.
func (db *DB) GetExpense(ctx context.Context, id int64) (*models.Expense, error) {
	row := db.queryRow(ctx, "SELECT "+expenseColumns+" FROM expenses WHERE id = ?", id)

	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExpensesByUser retrieves all expenses of a user, most recent first.
func (db *DB) ListExpensesByUser(ctx context.Context, userID string) ([]models.Expense, error) {
	rows, err := db.query(ctx,
		"SELECT "+expenseColumns+" FROM expenses WHERE user_id = ? ORDER BY date DESC, id DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := []models.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, *e)
	}

	return expenses, rows.Err()
}

// UpdateExpense rewrites the mutable fields of an expense if its stored version
// still equals e.Version. On success e.Version is advanced.
func (db *DB) UpdateExpense(ctx context.Context, e *models.Expense) (UpdateResult, error) {
	e.Date = e.Date.UTC()
	result, err := db.exec(ctx,
		`UPDATE expenses
		 SET description = ?, amount = ?, category = ?, date = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		e.Description, e.Amount.StringFixed(2), e.Category, e.Date, e.ID, e.Version,
	)
	if err != nil {
		return UpdateConflict, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return UpdateConflict, err
	}
	if n == 0 {
		return UpdateConflict, nil
	}
	e.Version++
	return UpdateApplied, nil
}

// DeleteExpense permanently removes an expense. It reports whether a row was deleted.
func (db *DB) DeleteExpense(ctx context.Context, id int64) (bool, error) {
	result, err := db.exec(ctx, "DELETE FROM expenses WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (*models.Expense, error) {
	var e models.Expense
	if err := s.Scan(&e.ID, &e.UserID, &e.Description, &e.Amount, &e.Category, &e.Date, &e.Version); err != nil {
		return nil, err
	}
	e.Date = e.Date.UTC()
	return &e, nil
}
