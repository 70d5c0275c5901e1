package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/agent-warden/internal/domain"
)

// ViolationRepo — журнал нарушений в Postgres. Таблица append-only,
// идемпотентность по детерминированному id через ON CONFLICT DO NOTHING.
type ViolationRepo struct {
	db *sql.DB
}

func NewViolationRepo(connString string) (*ViolationRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &ViolationRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *ViolationRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Append реализует monitor.ViolationLog. Дубликат id молча игнорируется:
// фид событий доставляет at-least-once.
func (r *ViolationRepo) Append(ctx context.Context, v domain.Violation) error {
	query := `INSERT INTO violations (id, agent_id, kind, severity, detail, timestamp)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.AgentID, string(v.Kind), int(v.Severity), v.Detail, v.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append violation: %w", err)
	}
	return nil
}

// Read возвращает журнал целиком в порядке возникновения.
func (r *ViolationRepo) Read(ctx context.Context) ([]domain.Violation, error) {
	query := `SELECT id, agent_id, kind, severity, detail, timestamp
	          FROM violations ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: read violations: %w", err)
	}
	defer rows.Close()

	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var kind string
		var severity int
		if err := rows.Scan(&v.ID, &v.AgentID, &kind, &severity, &v.Detail, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan violation: %w", err)
		}
		v.Kind = domain.ViolationKind(kind)
		v.Severity = domain.Severity(severity)
		out = append(out, v)
	}
	return out, rows.Err()
}
