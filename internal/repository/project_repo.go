package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
)

// DefaultMaxProjects is the number of recent projects kept when no limit is given.
const DefaultMaxProjects = 20

// ProjectRepository provides data access for the recent projects list.
type ProjectRepository struct {
	db  *sql.DB
	max int
	now func() time.Time
}

// NewProjectRepository creates a new ProjectRepository that keeps at most
// max entries.
func NewProjectRepository(db *sql.DB, max int) *ProjectRepository {
	if max <= 0 {
		max = DefaultMaxProjects
	}
	return &ProjectRepository{
		db:  db,
		max: max,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Touch records path as used now, inserting it if needed, and evicts the
// least recently used entries beyond the limit.
func (r *ProjectRepository) Touch(ctx context.Context, path string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO projects (path, last_used) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET last_used = excluded.last_used
	`
	if _, err := tx.ExecContext(ctx, query, path, r.now()); err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}

	evict := `
		DELETE FROM projects WHERE path NOT IN (
			SELECT path FROM projects ORDER BY last_used DESC, path ASC LIMIT ?
		)
	`
	if _, err := tx.ExecContext(ctx, evict, r.max); err != nil {
		return fmt.Errorf("failed to trim projects: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

// List returns the recent projects, most recently used first.
func (r *ProjectRepository) List(ctx context.Context) ([]*model.Project, error) {
	query := `
		SELECT path, last_used
		FROM projects
		ORDER BY last_used DESC, path ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, r.max)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]*model.Project, 0)
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.Path, &p.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// Remove deletes path from the recent list.
func (r *ProjectRepository) Remove(ctx context.Context, path string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM projects WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrProjectNotFound
	}

	return nil
}
