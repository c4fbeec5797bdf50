// Package logx configures timechanbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated
//   - An optional alert sink (Telegram or Discord; min-level + rate limiting)
package logx
