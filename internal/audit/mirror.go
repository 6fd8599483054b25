package audit

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// MirrorConfig configures the rotating JSONL copy of the trail that
// external audit consumers tail.
type MirrorConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewMirror returns a size-rotated file writer for WithMirror. The
// caller closes it.
func NewMirror(cfg MirrorConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}
