// Package logx is a thin wrapper over zerolog.
//
// Logger is a value type carrying fixed fields; Service owns the sinks and
// can swap level and outputs at runtime (config hot-reload) without callers
// replacing their loggers. Console output is human readable with a short
// file:line caller; the file sink writes JSON lines.
package logx
