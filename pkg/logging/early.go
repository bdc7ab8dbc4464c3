package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewEarlyLog returns a JSON logger on stderr for failures that happen before
// the configured logger exists.
func NewEarlyLog(serviceName string) *zap.SugaredLogger {
	return newEarlyLog(zapcore.Lock(os.Stderr), serviceName)
}

func newEarlyLog(out zapcore.WriteSyncer, serviceName string) *zap.SugaredLogger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, zapcore.InfoLevel)
	return zap.New(core).Sugar().With(string(ServiceNameKey), serviceName)
}
