// Package config loads and validates dcmonitor configuration.
//
// Values come from three layers, later ones winning:
//   - built-in defaults (Default)
//   - a YAML file
//   - DEVICECLOUD_* environment variables
//
// Durations are Go duration strings ("30s", "1m30s").
//
// Security Considerations:
//   - Account passwords and tokens should come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/dcmonitor.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Monitor.Topics)
package config
