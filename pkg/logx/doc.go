// Package logx configures pipesched's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or raw JSON lines
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime through Service.Apply
package logx
