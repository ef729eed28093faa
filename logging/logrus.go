package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// BorderFormatter frames error entries so they stand out in dense poll traffic.
type BorderFormatter struct {
	Base *log.TextFormatter
}

func (f *BorderFormatter) Format(entry *log.Entry) ([]byte, error) {
	message, err := f.Base.Format(entry)
	if err != nil {
		return nil, err
	}
	if entry.Level == log.ErrorLevel {
		border := "+----------------------------------------+"
		return []byte(fmt.Sprintf("%s\n%s%s\n", border, message, border)), nil
	}
	return message, nil
}

// Setup builds a logrus logger for the daemon. An unknown level falls back to info.
func Setup(level string) *log.Logger {
	l := log.New()

	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		l.SetLevel(log.InfoLevel)
		l.Errorf("invalid log level %q, defaulting to info", level)
	} else {
		l.SetLevel(lvl)
	}

	isK8s := isK8sEnvironment()
	base := &log.TextFormatter{
		DisableQuote:    true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     !isK8s,
	}
	if isK8s {
		l.SetOutput(os.Stdout)
		base.TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
	}
	l.SetFormatter(&BorderFormatter{Base: base})
	return l
}

func isK8sEnvironment() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// Logrus adapts a logrus entry to Logger.
type Logrus struct {
	entry *log.Entry
}

// NewLogrus wraps l. A nil l uses the logrus standard logger.
func NewLogrus(l *log.Logger) *Logrus {
	if l == nil {
		l = log.StandardLogger()
	}
	return &Logrus{entry: log.NewEntry(l)}
}

// With returns a child logger carrying an extra structured field.
func (l *Logrus) With(key string, value any) *Logrus {
	return &Logrus{entry: l.entry.WithField(key, value)}
}

func (l *Logrus) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logrus) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logrus) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
