// Package logx configures minekeeper's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot swapping of sinks and level when the config reloads
package logx
