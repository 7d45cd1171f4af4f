// Package memory holds in-process implementations of the storage interfaces.
// They back the "memory" storage driver used for dry runs and are the fakes
// the pipeline tests run against.
package memory
