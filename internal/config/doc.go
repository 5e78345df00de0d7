// Package config loads the scholarvaultd runtime configuration from a JSON
// file, a local .env file and SCHOLARVAULT_* environment variables, then
// validates driver combinations before any component is wired.
package config
