// Package delivery keeps a log of the messages handed to the application
// in the delivered_messages table.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// timeLayout is fixed width so delivered_at compares lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Record is one message handed to the dispatcher.
type Record struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Topic       string    `json:"topic"`
	QoS         byte      `json:"qos"`
	Retain      bool      `json:"retain"`
	PayloadSize int       `json:"payload_size"`
	Payload     []byte    `json:"payload,omitempty"`
	Error       string    `json:"error,omitempty"` // set when the handler panicked
	DeliveredAt time.Time `json:"delivered_at"`
}

// Filter controls which records to return.
type Filter struct {
	ClientID string    // optional
	Topic    string    // optional: exact topic name
	Since    time.Time // optional: only records delivered at or after
	Failed   bool      // only records with an error
	Limit    int       // default 50, max 200
	Offset   int
}

// ListResult contains a page of records.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository defines the delivery log operations.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the delivery log in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new delivery log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a record. ID and DeliveredAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "dlv-" + uuid.NewString()[:8]
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivered_messages (id, client_id, topic, qos, retain, payload_size, payload, error, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClientID, rec.Topic, int(rec.QoS), boolToInt(rec.Retain),
		rec.PayloadSize, rec.Payload, nullableString(rec.Error),
		rec.DeliveredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery record: %w", err)
	}
	return nil
}

// List returns records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, filter.Topic)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "delivered_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Failed {
		conditions = append(conditions, "error IS NOT NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM delivered_messages %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting delivery records: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, client_id, topic, qos, retain, payload_size, payload, error, delivered_at
		 FROM delivered_messages %s ORDER BY delivered_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec         Record
			qos, retain int64
			errText     sql.NullString
			deliveredAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.Topic, &qos, &retain,
			&rec.PayloadSize, &rec.Payload, &errText, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scanning delivery record: %w", err)
		}
		rec.QoS = byte(qos) //nolint:gosec // CHECK constraint bounds qos to 0..2
		rec.Retain = retain != 0
		if errText.Valid {
			rec.Error = errText.String
		}

		t, err := time.Parse(timeLayout, deliveredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing delivery timestamp %q: %w", deliveredAt, err)
		}
		rec.DeliveredAt = t

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
