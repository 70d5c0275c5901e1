package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/agent-warden/internal/domain"
)

// EventRepo — приемник пакетных вставок архива поведенческих событий.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(connString string) (*EventRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &EventRepo{db: db}, nil
}

func (r *EventRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WriteBatch сохраняет пачку событий одним INSERT.
func (r *EventRepo) WriteBatch(ctx context.Context, events []domain.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице behavior_events
	numFields := 5
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d),", p+1, p+2, p+3, p+4, p+5)
		vals = append(vals, e.AgentID, string(e.Kind), e.Detail, e.Value, e.Timestamp)
	}

	query := fmt.Sprintf(
		"INSERT INTO behavior_events (agent_id, kind, detail, value, timestamp) VALUES %s",
		strings.TrimSuffix(placeholders.String(), ","),
	)

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write event batch: %w", err)
	}
	return nil
}
