package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
)

// NewGuardLog returns a JSON-lines logger appending to a rotating file.
// An empty path yields a no-op logger. The returned close func flushes and
// closes the underlying file.
func NewGuardLog(cfg config.GuardLogConfig) (*zap.Logger, func() error, error) {
	if cfg.Path == "" {
		return zap.NewNop(), func() error { return nil }, nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create guard log dir: %w", err)
		}
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.StacktraceKey = ""
	encCfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), zap.InfoLevel)
	logger := zap.New(core)

	closeFn := func() error {
		_ = logger.Sync() //nolint:errcheck // best-effort flush
		if err := sink.Close(); err != nil {
			return fmt.Errorf("close guard log: %w", err)
		}
		return nil
	}
	return logger, closeFn, nil
}
