package main

import (
	"go.uber.org/zap"

	"github.com/mkarimi23/agentfs"
)

// zapAdapter bridges the library's key/value Logger to zap's sugared API.
type zapAdapter struct {
	sugar *zap.SugaredLogger
}

var _ agentfs.Logger = (*zapAdapter)(nil)

func newZapAdapter(l *zap.Logger) *zapAdapter {
	return &zapAdapter{sugar: l.Sugar()}
}

func (z *zapAdapter) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
func (z *zapAdapter) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *zapAdapter) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *zapAdapter) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }
