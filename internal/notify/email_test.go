package notify

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewire/rewire/internal/config"
	"github.com/rewire/rewire/internal/metrics"
)

func TestDevModeLogsAndSucceeds(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())
	n := New(config.SMTPConfig{From: "rewire@localhost"}, m)

	err := n.SendEmail("ops@example.com", "[rewire] VIOLATION missed: job", "body\n")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmailsSent.WithLabelValues("devlog")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EmailsSent.WithLabelValues("ok")))
}

func TestSendFailureIsCounted(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())
	// Unroutable host: the dial fails fast.
	n := New(config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "rewire@localhost"}, m)

	err := n.SendEmail("ops@example.com", "subj", "body")
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmailsSent.WithLabelValues("error")))
}

func TestFormatMessage(t *testing.T) {
	msg := formatMessage("rewire@localhost", "ops@example.com", "Alert-path test", "line one\nline two\n")

	assert.Contains(t, msg, "From: rewire@localhost\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Subject: Alert-path test\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8\r\n")

	// Header block ends with a blank line; body newlines are CRLF.
	assert.Contains(t, msg, "\r\n\r\nline one\r\nline two\r\n")
	assert.NotContains(t, msg, "line one\nline two")
}
