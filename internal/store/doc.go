// Package store declares the run history repository. Implementations live in
// storage/postgres and storage/memory; this package imports no drivers.
package store
