// Package logx wraps zerolog behind a small value-type Logger whose sinks
// (console, file, ops group) can be swapped at runtime via Service.Apply.
package logx
