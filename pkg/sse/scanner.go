// Package sse reads server-sent event streams.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string
	// Data joins every "data:" line of the event with newlines.
	Data string
	// ID is the last "id:" field seen, if any.
	ID string
}

// Scanner splits a stream into events. Comment lines (":" prefix, used
// by servers as keepalives) and unknown fields are skipped.
//
//	s := sse.NewScanner(resp.Body)
//	for s.Next() {
//	    handle(s.Event())
//	}
//	err := s.Err()
type Scanner struct {
	r       *bufio.Reader
	current Event
	lastID  string
	err     error
}

// NewScanner creates a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or
// on a read error.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	var data []string
	var typ string
	hasData := false

	emit := func() {
		s.current = Event{Type: typ, Data: strings.Join(data, "\n"), ID: s.lastID}
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		case "id":
			s.lastID = value
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *Scanner) Event() Event {
	return s.current
}

// Err returns the first non-EOF error encountered.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
