// Package debug serves /healthz, /metrics and net/http/pprof on an optional
// side port.
package debug
