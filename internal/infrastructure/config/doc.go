// Package config handles loading and validating mq2t configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials and the InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BrokerAddress())
//
// Durations are written as Go duration strings ("20s", "1500ms").
// QoS values accept 0, 1, 2 or AT_MOST_ONCE, AT_LEAST_ONCE, EXACTLY_ONCE.
package config
