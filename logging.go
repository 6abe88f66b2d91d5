// Copyright 2017 The NanoProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nanoproxy

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SupportURL is where crash reports go.
const SupportURL = "https://github.com/NanoAdblockerLab/NanoProxy/issues"

// newLogger builds the process logger from the configuration's 0..4
// scale: 0 silent, 1 errors, 2 +warnings, 3 +notices, 4 +info. Notices
// map onto zap's Info level and the chatty per-request info onto Debug,
// the closest fit zap's ladder offers.
func newLogger(level int) (*zap.Logger, error) {
	if level <= 0 {
		return zap.NewNop(), nil
	}
	var zl zapcore.Level
	switch level {
	case 1:
		zl = zapcore.ErrorLevel
	case 2:
		zl = zapcore.WarnLevel
	case 3:
		zl = zapcore.InfoLevel
	default:
		zl = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

const alarmBanner = "!!!!!---!!!!!---!!!!! NanoProxy has crashed !!!!!---!!!!!---!!!!!"

// crash is the end of the line for programmer errors and unrecoverable
// failures: certificate persistence, key generation, and patchers that
// return decisions outside the closed set. It makes the failure
// unmissable, then terminates the proxy with a non-zero exit so
// supervisors notice. Partial request state is abandoned.
func crash(logger *zap.Logger, v any) {
	for i := 0; i < 3; i++ {
		logger.Error(alarmBanner)
	}
	logger.Error("this is a bug, please report it", zap.String("url", SupportURL))
	logger.Error(fmt.Sprint(v))
	logger.Sync()
	os.Exit(1)
}
