// Package prometheus renders engine metrics in Prometheus text exposition
// format. [NewExporter] wraps an [authcore.Engine] and exposes an
// [net/http.Handler]; nothing registers with a global registry, callers
// mount the handler themselves.
package prometheus
