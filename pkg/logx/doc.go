// Package logx configures govcast's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for collectors (stdout and/or file)
//   - Level and sinks swappable at runtime via Service.Apply
package logx
