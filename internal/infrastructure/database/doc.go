// Package database provides SQLite connectivity for mq2t's persistent state.
//
// The database holds two tables created by the embedded migrations:
//   - inbound_qos2: broker message ids awaiting PUBREL, kept across restarts
//     when the client runs a non-clean session
//   - delivered_messages: the log of messages handed to the application
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are pairs of YYYYMMDD_HHMMSS_name.up.sql / .down.sql files.
// Each is applied in its own transaction and recorded in schema_migrations.
package database
