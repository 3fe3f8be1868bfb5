// Package audit provides the append-only action log: every mutating
// operation and every authentication event, in write order, bounded to the
// most recent entries. The audit log is the single source of truth for what
// the tool did; the diagnostic log is derivative.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crosswire-id/crosswire/internal/logging"
)

// FileName is the JSONL sink under the audit directory.
const FileName = "audit.jsonl"

// DefaultWindow bounds each of the two record windows.
const DefaultWindow = 1000

// Outcome of an audited operation.
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeFailed       Outcome = "failed"
	OutcomePartial      Outcome = "partial_success"
	OutcomeDryRun       Outcome = "dry_run"
	OutcomeCompensating Outcome = "compensating"
	OutcomeOK           Outcome = "ok"
	OutcomeDenied       Outcome = "denied"
)

// Channel separates the two record streams in the shared sink.
const (
	ChannelMutation = "mutation"
	ChannelAuth     = "auth"
)

// Severity of an audit record.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Record is one audit entry. Details pass the redaction deny-list at write
// time; secret material never reaches the window or the sink.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Actor     string            `json:"actor"`
	Channel   string            `json:"channel"`
	Kind      string            `json:"operation_kind"`
	Targets   []string          `json:"targets,omitempty"`
	Providers []string          `json:"providers,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Severity  Severity          `json:"severity"`
	Details   map[string]string `json:"redacted_details,omitempty"`
}

// Log keeps two bounded windows (mutations and auth events) and appends
// every record to the JSONL sink. One mutex guards the log; writes are
// serialized so readers observe write order.
type Log struct {
	mu        sync.Mutex
	sessionID string
	actor     string
	window    int
	mutations []Record
	auth      []Record
	sink      *os.File
	entropy   *ulid.MonotonicEntropy
}

// Open creates the audit log writing to dir/audit.jsonl. A monotonic ULID
// source keeps record ids sortable in append order.
func Open(dir, sessionID, actor string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit sink: %w", err)
	}
	return &Log{
		sessionID: sessionID,
		actor:     actor,
		window:    DefaultWindow,
		sink:      f,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// OpenMemory creates a sink-less log for tests and library embedding.
func OpenMemory(sessionID, actor string) *Log {
	return &Log{
		sessionID: sessionID,
		actor:     actor,
		window:    DefaultWindow,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Mutation records a mutating-operation entry.
func (l *Log) Mutation(kind string, targets, providers []string, outcome Outcome, sev Severity, details map[string]string) {
	l.append(&l.mutations, ChannelMutation, kind, targets, providers, outcome, sev, details)
}

// AuthEvent records an authentication event. Satisfies the credential
// store's recorder contract.
func (l *Log) AuthEvent(providerName, event, outcome string) {
	out := OutcomeOK
	sev := SeverityInfo
	if outcome != "ok" {
		out = OutcomeDenied
		sev = SeverityWarn
	}
	l.append(&l.auth, ChannelAuth, event, nil, []string{providerName}, out, sev, map[string]string{"result": outcome})
}

func (l *Log) append(window *[]Record, channel, kind string, targets, providers []string, outcome Outcome, sev Severity, details map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := Record{
		Timestamp: now,
		ID:        ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		SessionID: l.sessionID,
		Actor:     l.actor,
		Channel:   channel,
		Kind:      kind,
		Targets:   targets,
		Providers: providers,
		Outcome:   outcome,
		Severity:  sev,
		Details:   redactDetails(details),
	}

	*window = append(*window, rec)
	if len(*window) > l.window {
		*window = (*window)[len(*window)-l.window:]
	}

	if l.sink != nil {
		line, err := json.Marshal(rec)
		if err == nil {
			// Belt over braces: the whole line passes the deny-list too.
			l.sink.Write(append(logging.Redact(line), '\n'))
		}
	}
}

// redactDetails drops or rewrites secret material before a record is
// retained. Filtering happens here, at write time, never at read time.
func redactDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		if logging.IsSecretField(k) {
			out[k] = logging.RedactValue(v)
			continue
		}
		out[k] = logging.RedactString(v)
	}
	return out
}

// Tail returns the most recent n mutation records, oldest first.
func (l *Log) Tail(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tail(l.mutations, n)
}

// TailAuth returns the most recent n auth-event records, oldest first.
func (l *Log) TailAuth(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tail(l.auth, n)
}

func tail(window []Record, n int) []Record {
	if n <= 0 || n > len(window) {
		n = len(window)
	}
	out := make([]Record, n)
	copy(out, window[len(window)-n:])
	return out
}

// ReadTail reads the most recent n records of one channel back from the
// JSONL sink at path, oldest first. Records span every session that wrote
// to the sink, not just the current process. An empty channel matches all
// records; a missing sink yields an empty slice. A torn final line (a
// crash mid-append) is skipped rather than failing the read.
func ReadTail(path, channel string, n int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit sink: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if channel != "" && rec.Channel != channel {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit sink: %w", err)
	}
	return tail(records, n), nil
}

// Close flushes and closes the sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	return err
}
