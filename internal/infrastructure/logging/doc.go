// Package logging provides structured logging for mq2t.
//
// This package wraps Go's standard log/slog package so the MQTT core,
// storage layer and telemetry sinks all log through one handler.
//
// # Formats
//
//   - json: machine-parsable output for production
//   - text: slog key=value output
//   - console: colourised single-line output for terminals (fatih/color)
//
// Every entry carries the default fields service=mq2t and version.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected", "broker", cfg.MQTT.BrokerAddress())
//	client.SetLogger(logger.With("component", "mqtt"))
//
// # Security
//
// Never log broker passwords or the InfluxDB token. Payloads are logged
// by size only.
package logging
