// Package logx configures pricewatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional remote sink (min-level + rate limiting) that forwards
//     warnings and errors through a notification adapter
package logx
