// Package storage is grabbot's persistence layer (SQLite).
//
// It owns:
//   - User records (quota counters, premium flags, balance)
//   - The append-only reward ledger
//
// Balance and ledger writes are paired in one transaction so the running
// balance always equals the ledger sum.
package storage
