// Package logger configures the process-wide logrus logger and masks
// email addresses in log output. Listener logs carry the IMAP account
// and mailbox senders; neither belongs in log sinks in the clear.
package logger

import (
	"regexp"

	log "github.com/sirupsen/logrus"
)

// Setup parses the configured level and installs the redacting formatter
// on the logrus standard logger. Unknown levels fall back to info.
func Setup(level string) {
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	} else {
		log.SetLevel(log.InfoLevel)
		log.WithField("level", level).Warn("logger: unknown level, using info")
	}
	log.SetFormatter(&RedactingFormatter{Inner: &log.TextFormatter{
		FullTimestamp: true,
	}})
}

// RedactingFormatter masks email addresses in the message and in string
// field values before handing the entry to the wrapped formatter.
type RedactingFormatter struct {
	Inner log.Formatter
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Format implements logrus.Formatter. The entry is duplicated so hooks and
// other formatters never observe redacted data.
func (f *RedactingFormatter) Format(e *log.Entry) ([]byte, error) {
	dup := e.Dup()
	dup.Level = e.Level
	dup.Message = redact(e.Message)
	for k, v := range dup.Data {
		if s, ok := v.(string); ok {
			dup.Data[k] = redact(s)
		}
	}
	return f.Inner.Format(dup)
}

func redact(s string) string {
	return emailRegex.ReplaceAllStringFunc(s, MaskEmail)
}

// MaskEmail masks the local part of an address for safe logging.
// "intake.bot@example.com" becomes "in***@example.com"; local parts of
// two characters or fewer are masked entirely.
func MaskEmail(email string) string {
	at := len(email)
	for i, r := range email {
		if r == '@' {
			at = i
			break
		}
	}
	if at == len(email) {
		return "***@***"
	}
	if at > 2 {
		return email[:2] + "***" + email[at:]
	}
	return "***" + email[at:]
}
