// Package config loads the ofsagad configuration.
//
// Configuration is built in layers: the defaults from Default, then each file
// added with AddLayer (JSON, or YAML when the extension is .yaml or .yml),
// then OFSAGA_* environment variables, and finally Validate. Durations are
// written as strings such as "30s".
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/ofsaga/base.yaml")
//	loader.AddLayer("/etc/ofsaga/site.json") // overrides base
//	cfg, err := loader.Load()
//
// Environment overrides use the PREFIX_SECTION_FIELD form, for example
// OFSAGA_NATS_URLS (comma separated), OFSAGA_STORAGE_MODE,
// OFSAGA_SAGA_RETRY_LIMIT, OFSAGA_SAGA_COMMAND_TIMEOUT and
// OFSAGA_FEATURES_LAG_ENABLED.
package config
