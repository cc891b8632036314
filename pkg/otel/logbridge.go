package otel

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logBridgeWriter intercepts log.Printf output, parses the [Tag] prefix
// into a structured attribute, and emits an OTel log record. Every line
// still goes to stderr so local behavior is unchanged.
type logBridgeWriter struct {
	stderr io.Writer
	logger otellog.Logger
}

// Write implements io.Writer.
func (w *logBridgeWriter) Write(p []byte) (int, error) {
	n, err := w.stderr.Write(p)

	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(otellog.SeverityInfo)
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(nil, record) //nolint:staticcheck // nil context is fine for fire-and-forget

	return n, err
}

// parseLogLine splits "2026/08/01 12:00:00 [Punch] dialing ..." into
// component="punch" and body="dialing ...". Lines without a [Tag] land
// under "general". The stdlib timestamp prefix is stripped when present.
func parseLogLine(line string) (component, body string) {
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	if len(stripped) > 2 && stripped[0] == '[' {
		end := strings.IndexByte(stripped, ']')
		if end > 1 {
			return strings.ToLower(stripped[1:end]), strings.TrimSpace(stripped[end+1:])
		}
	}

	return "general", stripped
}

// InstallLogBridge points the stdlib logger at the bridge. Existing
// log.Printf call sites need no changes.
func InstallLogBridge(lp *sdklog.LoggerProvider) {
	log.SetOutput(&logBridgeWriter{
		stderr: os.Stderr,
		logger: lp.Logger("peerdrop.log"),
	})
}
