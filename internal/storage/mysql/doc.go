// Package mysql provides the MySQL backed ledger substrate, the payout store
// and the operator store used by token authentication. All of them share the
// connection pool returned by Open, which also applies the embedded schema
// migrations under deploy/migrations.
package mysql
