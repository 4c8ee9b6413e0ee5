// SPDX-License-Identifier: MIT
package validate

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// selectableLevels are the zerolog levels accepted from configuration.
var selectableLevels = map[zerolog.Level]bool{
	zerolog.TraceLevel: true,
	zerolog.DebugLevel: true,
	zerolog.InfoLevel:  true,
	zerolog.WarnLevel:  true,
	zerolog.ErrorLevel: true,
	zerolog.Disabled:   true,
}

// ParseLogLevel maps a configured level name to a zerolog level. Names are
// case-insensitive; panic, fatal and the empty string are rejected.
func ParseLogLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || !selectableLevels[lvl] {
		return zerolog.NoLevel, Error{
			Field:   "logLevel",
			Value:   s,
			Message: "must be one of trace, debug, info, warn, error, disabled",
		}
	}
	return lvl, nil
}

// LogLevel validates a configured log level name.
func (v *Validator) LogLevel(field, value string) {
	if _, err := ParseLogLevel(value); err != nil {
		v.AddError(field, fmt.Sprintf("unknown log level %q", value), value)
	}
}
