// Package logx configures jobmgr's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Throttle limits repeated warnings from hot paths such as listener panics.
package logx
