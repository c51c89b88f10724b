// Package logx configures the relay's structured logging.
//
// Logger is a small value wrapper over zerolog:
//   - console output is human-readable with a short timestamp
//   - the optional file sink writes JSON through lumberjack rotation
//   - Service.Apply swaps level and sinks on config reload
package logx
