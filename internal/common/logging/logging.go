package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

const logLevelEnvVar = "LOG_LEVEL"

// ConfigureLogging sets up the standard logrus logger. The level defaults to info and may be
// overridden through the LOG_LEVEL environment variable.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	level := log.InfoLevel
	if raw, ok := os.LookupEnv(logLevelEnvVar); ok {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.Warnf("Invalid %s %q, defaulting to %s", logLevelEnvVar, raw, level)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}
