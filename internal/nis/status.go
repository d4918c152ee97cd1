package nis

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Field is one "KEY : value" line of an apcupsd status report.
type Field struct {
	Key   string
	Value string
}

// Status is a parsed status report with fields in report order.
type Status struct {
	Fields []Field
}

// Get returns the value of the first field named key.
func (s Status) Get(key string) (string, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// ParseStatus splits a reassembled status payload into fields.  Keys
// are padded with spaces on the wire; both sides are trimmed.  Blank
// lines are skipped.
func ParseStatus(payload []byte) (Status, error) {
	var st Status
	sc := bufio.NewScanner(bytes.NewReader(payload))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return Status{}, fmt.Errorf("status line %d: missing ':' in %q", line, text)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return Status{}, fmt.Errorf("status line %d: empty key", line)
		}
		st.Fields = append(st.Fields, Field{Key: key, Value: strings.TrimSpace(value)})
	}
	if err := sc.Err(); err != nil {
		return Status{}, fmt.Errorf("scanning status: %w", err)
	}
	return st, nil
}
