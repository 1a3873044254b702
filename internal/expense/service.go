// Package expense implements the expense workflows: listing, creating,
// editing and deleting expenses on behalf of an authenticated user.
//
// Every operation receives the caller's user id explicitly. Ownership is
// enforced here, not in the store.
package expense

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"expense-manager/internal/events"
	"expense-manager/internal/logger"
	"expense-manager/internal/models"
	"expense-manager/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Store is the persistence the service depends on.
type Store interface {
	CreateExpense(ctx context.Context, e *models.Expense) error
	GetExpense(ctx context.Context, id int64) (*models.Expense, error)
	ListExpensesByUser(ctx context.Context, userID string) ([]models.Expense, error)
	UpdateExpense(ctx context.Context, e *models.Expense) (storage.UpdateResult, error)
	DeleteExpense(ctx context.Context, id int64) (bool, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Service orchestrates expense operations.
type Service struct {
	store     Store
	publisher events.Publisher
	log       zerolog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// NewService creates a Service. A nil publisher disables change notifications.
func NewService(store Store, publisher events.Publisher, log zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		log:       log,
		validate:  newValidator(),
		now:       time.Now,
	}
}

// List returns the user's expenses, most recent first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Expense, error) {
	if userID == "" {
		s.logger(ctx).Warn().Msg("User ID is empty, list refused")
		return nil, ErrUnauthenticated
	}

	expenses, err := s.store.ListExpensesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}

	s.logger(ctx).Debug().Str("user_id", userID).Int("count", len(expenses)).Msg("Listed expenses")
	return expenses, nil
}

// Create validates the draft and stores it as a new expense owned by userID.
// Any user id carried by the draft is ignored.
func (s *Service) Create(ctx context.Context, userID string, d Draft) (*models.Expense, error) {
	log := s.logger(ctx)
	if userID == "" {
		log.Warn().Msg("User ID is empty, create refused")
		return nil, ErrUnauthenticated
	}

	if err := validate(s.validate, d); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Expense validation failed")
		return nil, err
	}

	e := &models.Expense{UserID: userID}
	if err := s.apply(e, d); err != nil {
		return nil, err
	}
	if e.Date.IsZero() {
		e.Date = s.now()
	}

	if err := s.store.CreateExpense(ctx, e); err != nil {
		return nil, fmt.Errorf("create expense: %w", err)
	}

	log.Info().Int64("expense_id", e.ID).Str("user_id", userID).Msg("Expense created")
	s.publish(ctx, events.New(events.ExpenseCreated, e.ID, e.UserID, e.Version))
	return e, nil
}

// Get returns an expense for display in the edit form.
func (s *Service) Get(ctx context.Context, userID string, id int64) (*models.Expense, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.owned(ctx, userID, id, "view")
}

// Edit applies the draft to an existing expense. The id and owner never change.
func (s *Service) Edit(ctx context.Context, userID string, id int64, d Draft) (*models.Expense, error) {
	log := s.logger(ctx)
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	if strings.TrimSpace(d.ID) != "" {
		formID, err := strconv.ParseInt(strings.TrimSpace(d.ID), 10, 64)
		if err != nil || formID != id {
			log.Warn().Int64("expense_id", id).Str("form_id", d.ID).Msg("Edit target id mismatch")
			return nil, ErrNotFound
		}
	}

	e, err := s.owned(ctx, userID, id, "edit")
	if err != nil {
		return nil, err
	}

	if err := validate(s.validate, d); err != nil {
		log.Warn().Err(err).Int64("expense_id", id).Msg("Expense validation failed")
		return nil, err
	}

	if v := strings.TrimSpace(d.Version); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &ValidationError{Fields: map[string]string{"version": "is invalid"}}
		}
		e.Version = version
	}

	if err := s.apply(e, d); err != nil {
		return nil, err
	}

	result, err := s.store.UpdateExpense(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("update expense %d: %w", id, err)
	}
	if result == storage.UpdateConflict {
		log.Error().Int64("expense_id", id).Int64("version", e.Version).Stringer("result", result).Msg("Concurrency conflict updating expense")
		return nil, ErrConflict
	}

	log.Info().Int64("expense_id", id).Int64("version", e.Version).Stringer("result", result).Msg("Expense updated")
	s.publish(ctx, events.New(events.ExpenseUpdated, e.ID, e.UserID, e.Version))
	return e, nil
}

// Delete permanently removes an expense.
func (s *Service) Delete(ctx context.Context, userID string, id int64) error {
	if userID == "" {
		return ErrUnauthenticated
	}

	e, err := s.owned(ctx, userID, id, "delete")
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteExpense(ctx, id)
	if err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	if !deleted {
		return ErrNotFound
	}

	s.logger(ctx).Info().Int64("expense_id", id).Msg("Expense deleted")
	s.publish(ctx, events.New(events.ExpenseDeleted, e.ID, e.UserID, e.Version))
	return nil
}

// Owner looks up the user that owns the expense.
func (s *Service) Owner(ctx context.Context, e *models.Expense) (*models.User, error) {
	u, err := s.store.GetUserByID(ctx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("owner of expense %d: %w", e.ID, err)
	}
	return u, nil
}

// owned loads an expense and performs the owner check.
func (s *Service) owned(ctx context.Context, userID string, id int64, action string) (*models.Expense, error) {
	e, err := s.store.GetExpense(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger(ctx).Warn().Int64("expense_id", id).Msg("Expense not found")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get expense %d: %w", id, err)
	}

	if !e.OwnedBy(userID) {
		s.logger(ctx).Warn().
			Int64("expense_id", id).
			Str("user_id", userID).
			Str("action", action).
			Msg("Unauthorized access attempt")
		return nil, ErrForbidden
	}
	return e, nil
}

// apply copies the mutable fields of a validated draft onto e.
func (s *Service) apply(e *models.Expense, d Draft) error {
	amount, err := ParseAmount(d.Amount)
	if err != nil {
		return &ValidationError{Fields: map[string]string{"amount": messages["money"]}}
	}

	e.Description = strings.TrimSpace(d.Description)
	e.Category = strings.TrimSpace(d.Category)
	e.Amount = amount

	if strings.TrimSpace(d.Date) != "" {
		date, err := ParseDate(d.Date)
		if err != nil {
			return &ValidationError{Fields: map[string]string{"date": messages["datetime_any"]}}
		}
		e.Date = date
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger(ctx).Error().Err(err).
			Str("type", e.Type).
			Int64("expense_id", e.ExpenseID).
			Msg("Failed to publish expense event")
	}
}

func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	l := logger.FromContextOr(ctx, s.log)
	return &l
}
