// Package config provides loading and environment overlay for Herald
// runtime configuration. It exposes a Default() baseline, a JSON file
// loader, and helpers to pick a queue transport and construct the broker
// wiring.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file and overlay env vars
//	if fileCfg, err := config.Load("/etc/herald.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	bc, _ := cfg.BrokerConfig()
//	b := broker.New(bc, broker.Options{})
//	defer b.Destroy(ctx)
package config
