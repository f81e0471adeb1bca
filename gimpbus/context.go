// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"

	"go.uber.org/zap"
)

// CallContext carries per-call information to built-in handlers and the
// dispatcher.
type CallContext struct {
	Ctx context.Context
	// RequestID is the client-supplied identifier on the Arrow transports and
	// the message serial on D-Bus.
	RequestID string
	ServerID  string
	// Interface is the D-Bus interface the call arrived on, empty when the
	// transport has no notion of interfaces.
	Interface string
	Method    string
	// Sender is the unique bus name of the caller on D-Bus.
	Sender string
	// LogLevel is the minimum severity the client wants to receive.
	LogLevel LogLevel
	logs     []LogMessage
}

// ClientLog records a message for the caller and mirrors it to the server
// log. Messages below the requested level are dropped for the caller only.
func (ctx *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	fields := make([]zap.Field, 0, len(extras)+1)
	fields = append(fields, zap.String("method", ctx.Method))
	for _, kv := range extras {
		fields = append(fields, zap.String(kv.Key, kv.Value))
	}
	if ce := Logger().Check(level.zapLevel(), msg); ce != nil {
		ce.Write(fields...)
	}

	if logLevelPriority(level) > logLevelPriority(ctx.LogLevel) {
		return
	}
	logMsg := LogMessage{Level: level, Message: msg}
	if len(extras) > 0 {
		logMsg.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			logMsg.Extras[kv.Key] = kv.Value
		}
	}
	ctx.logs = append(ctx.logs, logMsg)
}

// drainLogs returns and clears all accumulated log messages.
func (ctx *CallContext) drainLogs() []LogMessage {
	logs := ctx.logs
	ctx.logs = nil
	return logs
}
