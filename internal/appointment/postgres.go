package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the appointment tables and the change-notify
// trigger. Execute it via [PostgresStore.Migrate] or apply it manually
// during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    email      TEXT NOT NULL DEFAULT '',
    phone      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS appointments (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES user_profiles(id),
    business_name TEXT NOT NULL,
    phone_number  TEXT NOT NULL,
    objective     TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'PENDING',
    notes         TEXT NOT NULL DEFAULT '',
    scheduled_for TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_appointments_user ON appointments(user_id);
CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments(status);

CREATE OR REPLACE FUNCTION notify_appointment_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('appointment_changes', json_build_object(
        'op', TG_OP,
        'id', NEW.id,
        'status', NEW.status
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS appointments_notify ON appointments;
CREATE TRIGGER appointments_notify
    AFTER INSERT OR UPDATE ON appointments
    FOR EACH ROW EXECUTE FUNCTION notify_appointment_change();
`

// changeChannel is the Postgres notification channel the trigger publishes
// to.
const changeChannel = "appointment_changes"

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given
// database connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing
// queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("appointment: migrate: %w", err)
	}
	return nil
}

// Fetch loads an appointment together with its owner's profile. It returns
// (nil, nil, nil) when no appointment with the given id exists.
func (s *PostgresStore) Fetch(ctx context.Context, id string) (*Appointment, *UserProfile, error) {
	const query = `
		SELECT a.id, a.user_id, a.business_name, a.phone_number, a.objective,
		       a.status, a.notes, a.scheduled_for, a.created_at, a.updated_at,
		       u.id, u.name, u.email, u.phone
		FROM appointments a
		JOIN user_profiles u ON u.id = a.user_id
		WHERE a.id = $1`

	var appt Appointment
	var user UserProfile
	err := s.db.QueryRow(ctx, query, id).Scan(
		&appt.ID, &appt.UserID, &appt.BusinessName, &appt.PhoneNumber, &appt.Objective,
		&appt.Status, &appt.Notes, &appt.ScheduledFor, &appt.CreatedAt, &appt.UpdatedAt,
		&user.ID, &user.Name, &user.Email, &user.Phone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("appointment: fetch %q: %w", id, err)
	}
	return &appt, &user, nil
}

// Update applies a partial update. A patch with no fields set is a no-op.
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 3)
	args := []any{id}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return fmt.Errorf("appointment: update %q: invalid status %q", id, *patch.Status)
		}
		args = append(args, string(*patch.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.Notes != nil {
		args = append(args, *patch.Notes)
		sets = append(sets, fmt.Sprintf("notes = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE appointments SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("appointment: update %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment: update %q: not found", id)
	}
	return nil
}

// NotifyConn is the subset of *pgx.Conn that [Listen] needs.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Listen subscribes to appointment change notifications and invokes handler
// for each one until ctx is cancelled. It requires a dedicated connection:
// LISTEN ties the subscription to the connection's lifetime, so it must not
// come from a shared pool.
func Listen(ctx context.Context, conn NotifyConn, log *slog.Logger, handler func(Change)) error {
	if log == nil {
		log = slog.Default()
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return fmt.Errorf("appointment: listen: %w", err)
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("appointment: wait for notification: %w", err)
		}
		change, err := parseChange(n.Payload)
		if err != nil {
			log.Warn("malformed appointment change notification", "error", err)
			continue
		}
		handler(change)
	}
}

// parseChange decodes the trigger's JSON notification payload.
func parseChange(payload string) (Change, error) {
	var raw struct {
		Op     string `json:"op"`
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Change{}, fmt.Errorf("appointment: parse change: %w", err)
	}
	if raw.ID == "" {
		return Change{}, errors.New("appointment: change payload missing id")
	}
	return Change{Op: raw.Op, AppointmentID: raw.ID, Status: Status(raw.Status)}, nil
}
