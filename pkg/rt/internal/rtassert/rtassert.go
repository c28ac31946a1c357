// Package rtassert carries the development-time assertions for real-time
// code. They are compiled in only with the "rtassert" build tag; in normal
// builds [Enabled] is false and [Failf] is never reached from a guarded call
// site, so the hot path carries no checks.
//
//	go test -tags rtassert ./...
package rtassert
