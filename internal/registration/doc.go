// Package registration groups the voter registration layers: model,
// repository (record stores), service (the coordinator that stores a voter
// and then notarizes its content hash) and handler (HTTP API).
package registration
