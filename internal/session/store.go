// Package session persists the inbound QoS 2 state of non-clean MQTT
// sessions so a restart can finish PUBREL handshakes without delivering a
// message twice.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
)

// timeLayout is fixed width so received_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements mqtt.SessionStore on the inbound_qos2 table.
type SQLiteStore struct {
	db *sql.DB
}

var _ mqtt.SessionStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveInbound records a QoS 2 message received but not yet released.
// Saving an identifier that is already stored replaces the row.
func (s *SQLiteStore) SaveInbound(ctx context.Context, clientID string, msg mqtt.InboundMessage) error {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_qos2 (client_id, packet_id, topic, payload, retain, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (client_id, packet_id) DO UPDATE SET
		     topic = excluded.topic,
		     payload = excluded.payload,
		     retain = excluded.retain,
		     received_at = excluded.received_at`,
		clientID, int64(msg.PacketID), msg.Topic, payload, boolToInt(msg.Retain),
		receivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving inbound message %d: %w", msg.PacketID, err)
	}
	return nil
}

// DeleteInbound removes a released message. Deleting an unknown
// identifier is not an error.
func (s *SQLiteStore) DeleteInbound(ctx context.Context, clientID string, packetID uint16) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_qos2 WHERE client_id = ? AND packet_id = ?`,
		clientID, int64(packetID),
	)
	if err != nil {
		return fmt.Errorf("deleting inbound message %d: %w", packetID, err)
	}
	return nil
}

// LoadInbound returns every unreleased message of clientID ordered by
// arrival.
func (s *SQLiteStore) LoadInbound(ctx context.Context, clientID string) ([]mqtt.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT packet_id, topic, payload, retain, received_at
		 FROM inbound_qos2 WHERE client_id = ?
		 ORDER BY received_at, packet_id`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying inbound messages: %w", err)
	}
	defer rows.Close()

	var msgs []mqtt.InboundMessage
	for rows.Next() {
		var (
			msg        mqtt.InboundMessage
			packetID   int64
			retain     int64
			receivedAt string
		)
		if err := rows.Scan(&packetID, &msg.Topic, &msg.Payload, &retain, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning inbound message: %w", err)
		}
		msg.PacketID = uint16(packetID) //nolint:gosec // CHECK constraint bounds packet_id to 1..65535
		msg.Retain = retain != 0

		t, err := time.Parse(timeLayout, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing received_at %q: %w", receivedAt, err)
		}
		msg.ReceivedAt = t

		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inbound messages: %w", err)
	}
	return msgs, nil
}

// ClearInbound drops all state of clientID, as a clean session does.
func (s *SQLiteStore) ClearInbound(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_qos2 WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("clearing inbound messages: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
