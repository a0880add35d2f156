// Package config loads process configuration.
//
// Static settings come from BILLING_* environment variables (LoadConfig).
// Settings that finance or integrations change while the service runs (cost
// rates, per-provider webhook security and the internal relay consumers) live
// in a YAML document owned by a Runtime value:
//
//	rt, err := config.LoadRuntime(cfg.Billing.RuntimeFile)
//	rt.OnReload(func(rc *config.RuntimeConfig) { registry.Reload() })
//	config.Watch(ctx, rt, logger) // reload on file change
//
// Provider secrets may be left out of the file and supplied through
// BILLING_WEBHOOK_SECRET_<PROVIDER> or an explicit secret_env key.
package config
