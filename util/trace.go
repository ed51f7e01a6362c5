package util

import (
	"time"

	"go.uber.org/zap"
)

// Trace 记录一段操作的耗时，用法: defer util.Trace("load model")()
func Trace(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug(name, zap.Duration("cost", time.Since(start)))
	}
}
