// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger from the log.* keys. Logs go to
// stderr unless log.file is set, in which case the file is rotated.
func newLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if v.GetString("log.format") == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, logSink(v), level)
	return zap.New(core, zap.AddCaller()), nil
}

func logSink(v *viper.Viper) zapcore.WriteSyncer {
	file := v.GetString("log.file")
	if file == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    v.GetInt("log.max_size"), // megabytes
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAge:     v.GetInt("log.max_age"), // days
		Compress:   v.GetBool("log.compress"),
	})
}
