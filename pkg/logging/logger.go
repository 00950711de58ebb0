package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}

	logrus.SetLevel(Log.GetLevel())
	logrus.SetFormatter(Log.Formatter)
	logrus.SetOutput(Log.Out)
}

// WithSession returns an entry carrying the session id field used across the
// transfer core.
func WithSession(sessionID string) *logrus.Entry {
	return Log.WithField("session_id", sessionID)
}
