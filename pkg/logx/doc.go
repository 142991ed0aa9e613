// Package logx is beacon's structured logging layer.
//
// It wraps zerolog behind a small Logger type so that:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON-structured
//   - level and sinks can be swapped live on config reload
package logx
