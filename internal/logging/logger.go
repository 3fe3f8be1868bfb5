// Package logging provides structured logging with write-time secret
// redaction. The diagnostic log is non-authoritative; the audit log is the
// record of what the tool did.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names whose values must never reach a log sink.
var secretFieldNames = []string{
	"password",
	"passwd",
	"secret",
	"client_secret",
	"clientsecret",
	"private_key",
	"privatekey",
	"token",
	"access_token",
	"accesstoken",
	"refresh_token",
	"refreshtoken",
	"assertion",
	"authorization",
	"credentials",
}

var (
	// PEM framing of any private key block, including the body up to the
	// end marker.
	pemPattern = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`)
	// Bearer tokens in header or string form.
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	// JSON fields with a secret-looking name.
	fieldPattern = regexp.MustCompile(`(?i)"((?:[a-z0-9_.-]*)(?:password|passwd|secret|private_key|privatekey|token|assertion|authorization))"\s*:\s*"(?:[^"\\]|\\.)*"`)
)

// RedactingWriter rewrites secret material before bytes reach the sink.
// Filtering happens at write time so that no sink ever holds the plaintext.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter wraps a writer with the redaction filter.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	out := Redact(p)
	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	// Report the caller's length; the rewrite may change the byte count.
	return len(p), nil
}

// Redact applies the deny-list patterns to a byte slice.
func Redact(p []byte) []byte {
	out := pemPattern.ReplaceAll(p, []byte("[REDACTED:pem]"))
	out = bearerPattern.ReplaceAll(out, []byte("Bearer [REDACTED]"))
	out = fieldPattern.ReplaceAll(out, []byte(`"$1":"[REDACTED]"`))
	return out
}

// RedactString applies the deny-list patterns to a string value.
func RedactString(s string) string {
	return string(Redact([]byte(s)))
}

// IsSecretField reports whether a field name is on the deny list.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a placeholder carrying a hash
// prefix, so two log lines about the same secret remain correlatable.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}

// NewLogger creates a console logger for interactive use.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(NewRedactingWriter(writer)).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "crosswire").
		Logger()
}

// NewJSONLogger creates a JSON logger for file output (logs/app.log).
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(NewRedactingWriter(w)).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "crosswire").
		Logger()
}
