package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrUserNotFound = errors.New("user not found")

// Locality is the delivery-relevant part of a user profile, selected once
// during onboarding and snapshotted into the checkout session.
type Locality struct {
	City  string
	Metro string
}

type Repository struct {
	db *sql.DB
}

type ProfileRepository interface {
	GetOrCreateUser(ctx context.Context, telegramID int64) (int64, error)
	SetCity(ctx context.Context, telegramID int64, city string) error
	SetMetro(ctx context.Context, telegramID int64, metro string) error
	GetLocality(ctx context.Context, telegramID int64) (*Locality, error)
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetOrCreateUser returns the internal row id for a platform user,
// inserting a fresh row on first contact.
func (r *Repository) GetOrCreateUser(ctx context.Context, telegramID int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE telegram_id = $1`, telegramID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query user: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id) VALUES ($1)`, telegramID)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (r *Repository) SetCity(ctx context.Context, telegramID int64, city string) error {
	return r.setField(ctx, "city", telegramID, city)
}

func (r *Repository) SetMetro(ctx context.Context, telegramID int64, metro string) error {
	return r.setField(ctx, "metro", telegramID, metro)
}

func (r *Repository) setField(ctx context.Context, column string, telegramID int64, value string) error {
	// column is one of the two fixed names above, never user input
	query := fmt.Sprintf(
		`UPDATE users SET %s = $1, updated_at = CURRENT_TIMESTAMP WHERE telegram_id = $2`, column)
	res, err := r.db.ExecContext(ctx, query, value, telegramID)
	if err != nil {
		return fmt.Errorf("update user %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetLocality returns the stored city/metro. A user the bot has never seen
// gets an empty locality rather than an error: the checkout flow treats
// locality as optional display data.
func (r *Repository) GetLocality(ctx context.Context, telegramID int64) (*Locality, error) {
	var city, metro sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT city, metro FROM users WHERE telegram_id = $1`, telegramID).Scan(&city, &metro)
	if errors.Is(err, sql.ErrNoRows) {
		return &Locality{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query locality: %w", err)
	}
	return &Locality{City: city.String, Metro: metro.String}, nil
}
