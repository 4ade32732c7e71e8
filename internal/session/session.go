// Package session keeps per-conversation state in memory with exclusive
// per-conversation access and idle eviction.
package session

import (
	"strings"
	"time"
)

// State identifies a node of the conversation flow.
type State string

// Session is the mutable state of one conversation. It must only be read or
// written while held through Store.Acquire.
type Session struct {
	ID    string
	State State
	// Data holds flow-scoped fields: accumulators, parsed values, flags.
	Data map[string]any
	// LastAck records when each state last acknowledged a burst of input.
	LastAck        map[State]time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func newSession(id string, initial State, now time.Time) *Session {
	return &Session{
		ID:             id,
		State:          initial,
		Data:           make(map[string]any),
		LastAck:        make(map[State]time.Time),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// String returns the string stored under key, or "".
func (s *Session) String(key string) string {
	v, _ := s.Data[key].(string)
	return v
}

// SetString stores v under key; an empty v deletes the key.
func (s *Session) SetString(key, v string) {
	if v == "" {
		delete(s.Data, key)
		return
	}
	s.Data[key] = v
}

// Int returns the int stored under key, or 0.
func (s *Session) Int(key string) int {
	v, _ := s.Data[key].(int)
	return v
}

// Incr adds one to the counter under key and returns the new value.
func (s *Session) Incr(key string) int {
	n := s.Int(key) + 1
	s.Data[key] = n
	return n
}

// Bool returns the flag stored under key.
func (s *Session) Bool(key string) bool {
	v, _ := s.Data[key].(bool)
	return v
}

// SetBool sets or clears the flag under key.
func (s *Session) SetBool(key string, v bool) {
	if !v {
		delete(s.Data, key)
		return
	}
	s.Data[key] = true
}

// Strings returns a copy of the list stored under key.
func (s *Session) Strings(key string) []string {
	v, _ := s.Data[key].([]string)
	return append([]string(nil), v...)
}

// Append adds v to the list stored under key.
func (s *Session) Append(key, v string) {
	list, _ := s.Data[key].([]string)
	s.Data[key] = append(list, v)
}

// AppendText appends v to the text accumulator under key, separating entries
// with a blank line.
func (s *Session) AppendText(key, v string) {
	cur := s.String(key)
	if cur == "" {
		s.Data[key] = v
		return
	}
	s.Data[key] = cur + "\n\n" + v
}

// Delete removes keys from Data.
func (s *Session) Delete(keys ...string) {
	for _, k := range keys {
		delete(s.Data, k)
	}
}

// Reset empties Data except for keys starting with preservePrefix, clears the
// acknowledgement log and moves the session to initial.
func (s *Session) Reset(initial State, preservePrefix string) {
	kept := make(map[string]any)
	if preservePrefix != "" {
		for k, v := range s.Data {
			if strings.HasPrefix(k, preservePrefix) {
				kept[k] = v
			}
		}
	}
	s.Data = kept
	s.LastAck = make(map[State]time.Time)
	s.State = initial
}
