/*
Copyright The Barman Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Flags contains the set of values necessary for configuring the logger
type Flags struct {
	logLevel       string
	logDestination string
}

// AddFlags binds logging configuration flags to a given flagset
func (f *Flags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.logLevel, "log-level", DefaultLevelString,
		"the desired log level, one of error, warning, info, debug and trace")
	flags.StringVar(&f.logDestination, "log-destination", "",
		"where the log stream will be written (defaults to standard error)")
}

// ConfigureLogging configures the global logger honoring the flags
// passed by the user
func (f *Flags) ConfigureLogging() {
	level := getLogLevel(f.logLevel)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	sink := zapcore.Lock(os.Stderr)
	if f.logDestination != "" {
		logFile, err := os.OpenFile(f.logDestination, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			Error(err, "Cannot open the log destination, falling back to standard error",
				"logDestination", f.logDestination)
		} else {
			sink = zapcore.Lock(logFile)
		}
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, level)
	SetLogger(zap.New(core))

	if !isValidLevel(f.logLevel) {
		Info("Invalid log level, defaulting",
			"level", f.logLevel, "default", DefaultLevelString)
	}
}

func isValidLevel(l string) bool {
	switch l {
	case ErrorLevelString, WarningLevelString, InfoLevelString, DebugLevelString, TraceLevelString:
		return true
	}
	return false
}

func getLogLevel(l string) zapcore.Level {
	switch l {
	case ErrorLevelString:
		return ErrorLevel
	case WarningLevelString:
		return WarningLevel
	case InfoLevelString:
		return InfoLevel
	case DebugLevelString:
		return DebugLevel
	case TraceLevelString:
		return TraceLevel
	default:
		return DefaultLevel
	}
}
