// Package feed maintains the streaming connection to the commit
// notification service and decodes its newline-delimited JSON events.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Event is one decoded commit notification.
type Event struct {
	// Topic is the canonical slash-joined topic the event was published
	// under, derived from pubsub_path when present and the pubsub_topics
	// list otherwise.
	Topic string
	// Payload is the decoded JSON body.
	Payload map[string]any
	// Raw is the original wire line.
	Raw json.RawMessage
	// ReceivedAt is when the line was read from the stream.
	ReceivedAt time.Time
}

// DecodeEvent parses one line from the stream. Keepalive pings decode
// to (nil, nil).
func DecodeEvent(line []byte, now time.Time) (*Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	if _, ok := payload["stillalive"]; ok {
		return nil, nil
	}

	topic, err := topicOf(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		Topic:      topic,
		Payload:    payload,
		Raw:        append(json.RawMessage(nil), line...),
		ReceivedAt: now,
	}, nil
}

func topicOf(payload map[string]any) (string, error) {
	if p, ok := payload["pubsub_path"].(string); ok {
		if t := strings.Trim(p, "/"); t != "" {
			return t, nil
		}
	}

	if raw, ok := payload["pubsub_topics"].([]any); ok {
		parts := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "/"), nil
		}
	}

	return "", errors.New("event carries no topic")
}

func (e *Event) commit() map[string]any {
	m, _ := e.Payload["commit"].(map[string]any)
	return m
}

// Revision returns the commit identifier: the hash for git-style
// payloads, the numeric revision for svn-style ones. Empty when absent.
func (e *Event) Revision() string {
	c := e.commit()
	for _, key := range []string{"hash", "sha", "revision", "id"} {
		switch v := c[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Author returns the committer identity when the payload carries one.
func (e *Event) Author() string {
	c := e.commit()
	for _, key := range []string{"committer", "author"} {
		switch v := c[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if name, ok := v["name"].(string); ok && name != "" {
				return name
			}
		}
	}
	return ""
}

// Repository returns the repository or project name when present.
func (e *Event) Repository() string {
	c := e.commit()
	for _, key := range []string{"repository", "project"} {
		if s, ok := c[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ChangedPaths returns the commit's changed paths, sorted. Both the map
// form (changed: {path: flags}) and the list form (files: [path]) are
// understood. Nil when the payload has no path data.
func (e *Event) ChangedPaths() []string {
	c := e.commit()

	if changed, ok := c["changed"].(map[string]any); ok && len(changed) > 0 {
		paths := make([]string, 0, len(changed))
		for p := range changed {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		return paths
	}

	if files, ok := c["files"].([]any); ok {
		var paths []string
		for _, f := range files {
			if s, ok := f.(string); ok && s != "" {
				paths = append(paths, s)
			}
		}
		if len(paths) > 0 {
			sort.Strings(paths)
			return paths
		}
	}

	return nil
}
