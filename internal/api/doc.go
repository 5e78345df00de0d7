// Package api exposes the release service over HTTP: signed release
// submission, payout queries, vault balances, chain snapshots, operator
// tokens, health and Prometheus metrics.
package api
