package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Subscriptions is the ordered set of subscription entries. YAML mappings
// lose their order when decoded into a Go map, but dispatch order must be
// the declaration order, so the mapping node is walked by hand. Duplicate
// names are a hard load error.
type Subscriptions struct {
	names []string
	confs map[string]SubscriptionConf
}

// UnmarshalYAML decodes the subscriptions mapping, preserving declaration
// order and rejecting duplicate names.
func (s *Subscriptions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("subscriptions must be a mapping of name to subscription (line %d)", node.Line)
	}

	s.names = nil
	s.confs = make(map[string]SubscriptionConf, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]

		name := keyNode.Value
		if name == "" {
			return fmt.Errorf("subscription name must not be empty (line %d)", keyNode.Line)
		}
		if _, dup := s.confs[name]; dup {
			return fmt.Errorf("duplicate subscription name %q (line %d)", name, keyNode.Line)
		}

		var conf SubscriptionConf
		if err := valNode.Decode(&conf); err != nil {
			return fmt.Errorf("subscription %q: %w", name, err)
		}

		s.names = append(s.names, name)
		s.confs[name] = conf
	}
	return nil
}

// MarshalYAML re-emits the mapping in declaration order.
func (s Subscriptions) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range s.names {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: name}
		valNode := &yaml.Node{}
		if err := valNode.Encode(s.confs[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// MarshalJSON emits an object in declaration order (for `config show --json`).
func (s Subscriptions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.confs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Set adds or replaces an entry. New names append in call order, so a
// programmatically built set behaves like YAML declaration order.
func (s *Subscriptions) Set(name string, conf SubscriptionConf) {
	if s.confs == nil {
		s.confs = make(map[string]SubscriptionConf)
	}
	if _, ok := s.confs[name]; !ok {
		s.names = append(s.names, name)
	}
	s.confs[name] = conf
}

// Names returns subscription names in declaration order.
func (s Subscriptions) Names() []string {
	return append([]string(nil), s.names...)
}

// Get returns the entry for name.
func (s Subscriptions) Get(name string) (SubscriptionConf, bool) {
	c, ok := s.confs[name]
	return c, ok
}

// Len returns the number of entries.
func (s Subscriptions) Len() int {
	return len(s.names)
}
