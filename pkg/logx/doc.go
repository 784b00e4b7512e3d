// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value and never touch zerolog directly, so
// sinks and levels can be swapped at runtime via Service.Apply without
// re-wiring anything.
package logx
