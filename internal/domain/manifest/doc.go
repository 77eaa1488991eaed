// Package manifest decodes extension manifests from JSON, YAML or TOML,
// validates their identity fields and matches activation events.
package manifest
