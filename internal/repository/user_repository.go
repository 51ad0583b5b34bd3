package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-core/internal/models"
)

// UserTable names the table and columns that hold account state. Blank fields fall
// back to users(id, role, active).
type UserTable struct {
	Name         string
	IDColumn     string
	RoleColumn   string
	ActiveColumn string
}

// UserRepository reads account state from the users table owned by the credential
// service.
type UserRepository struct {
	db    *sqlx.DB
	query string
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB, table UserTable) *UserRepository {
	name := orDefault(table.Name, "users")
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}

	query := fmt.Sprintf(`SELECT %s AS id, %s AS role, %s AS active FROM %s WHERE %s = $1 LIMIT 1`,
		pq.QuoteIdentifier(orDefault(table.IDColumn, "id")),
		pq.QuoteIdentifier(orDefault(table.RoleColumn, "role")),
		pq.QuoteIdentifier(orDefault(table.ActiveColumn, "active")),
		strings.Join(parts, "."),
		pq.QuoteIdentifier(orDefault(table.IDColumn, "id")),
	)
	return &UserRepository{db: db, query: query}
}

// FindStatus returns the role and active flag of a user.
func (r *UserRepository) FindStatus(ctx context.Context, id string) (*models.UserStatus, error) {
	var status models.UserStatus
	if err := r.db.GetContext(ctx, &status, r.query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user status: %w", err)
	}
	return &status, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
