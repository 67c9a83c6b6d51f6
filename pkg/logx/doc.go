// Package logx is a thin structured logging layer over zerolog.
//
// It exists so the rest of the daemon depends on a small, stable surface
// (Logger + Field helpers) instead of zerolog directly.
package logx
