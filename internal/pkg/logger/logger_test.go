package logger

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"intake.bot@example.com", "in***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"x@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MaskEmail(c.in))
	}
}

func TestFormatterRedactsMessageAndFields(t *testing.T) {
	f := &RedactingFormatter{Inner: &log.TextFormatter{DisableColors: true}}

	entry := log.NewEntry(log.New()).WithField("user", "intake.bot@example.com")
	entry.Message = "logging in as intake.bot@example.com"
	entry.Level = log.InfoLevel
	entry.Time = time.Now()

	out, err := f.Format(entry)
	require.NoError(t, err)

	assert.Contains(t, string(out), "in***@example.com")
	assert.NotContains(t, string(out), "intake.bot@example.com")
	// The original entry stays untouched for other hooks.
	assert.Equal(t, "intake.bot@example.com", entry.Data["user"])
}

func TestFormatterLeavesPlainFieldsAlone(t *testing.T) {
	f := &RedactingFormatter{Inner: &log.TextFormatter{DisableColors: true}}

	entry := log.NewEntry(log.New()).WithField("mailbox", "Tasks/DE")
	entry.Message = "mailbox open"
	entry.Level = log.InfoLevel
	entry.Time = time.Now()

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "Tasks/DE")
}
