// Package progress carries workspace run events (token recalculation,
// compression, scraping) from the manager to pluggable sinks. The Hub batches
// events on one goroutine so emitters never block on logging, metrics or
// storage.
package progress
