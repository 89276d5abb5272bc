// Package server implements the HTTP surface of the S3 gateway. It wires the
// chi router and middleware to the object store and, when configured, the
// file ledger, and provides lifecycle helpers used by tests and the
// production binary.
package server
