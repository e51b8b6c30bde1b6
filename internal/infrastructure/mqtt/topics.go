package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTopicLength is the MQTT UTF-8 string length limit.
const maxTopicLength = 65535

// ValidateTopic checks a topic name used for PUBLISH: non-empty, valid
// UTF-8 without NUL, at most 65535 bytes and free of wildcards.
func ValidateTopic(topic string) error {
	if err := validateString(topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in topic names", ErrInvalidTopic)
	}
	return nil
}

// ValidateFilter checks a topic filter used for SUBSCRIBE and UNSUBSCRIBE.
//
// Rules:
//   - "#" must be the last level and occupy it entirely ("a/#", "#")
//   - "+" must occupy a whole level ("a/+/c", "+")
func ValidateFilter(filter string) error {
	if err := validateString(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: '#' must be the whole last level", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: %q: '+' must be a whole level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

func validateString(s string) error {
	switch {
	case s == "":
		return errors.New("empty")
	case len(s) > maxTopicLength:
		return fmt.Errorf("length %d exceeds %d", len(s), maxTopicLength)
	case !utf8.ValidString(s):
		return errors.New("not valid UTF-8")
	case strings.ContainsRune(s, 0):
		return errors.New("contains NUL")
	}
	return nil
}

// MatchTopic reports whether topic matches filter. Topics starting with
// "$" are not matched by a leading wildcard.
//
// Example:
//
//	MatchTopic("temp/+", "temp/livingroom")   // true
//	MatchTopic("temp/#", "temp")              // true
//	MatchTopic("#", "$SYS/broker/uptime")     // false
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
