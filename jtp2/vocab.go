package jtp2

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadTagIndex loads a tags.json name->index mapping and returns the
// tag names ordered by index. The mapping must be dense: every index in
// [0, len) exactly once, so vocabulary positions line up with model
// logits.
func ReadTagIndex(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var byName map[string]int
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	tags := make([]string, len(byName))
	for name, idx := range byName {
		if idx < 0 || idx >= len(tags) {
			return nil, fmt.Errorf("tag %q has index %d outside [0,%d)", name, idx, len(tags))
		}
		if tags[idx] != "" {
			return nil, fmt.Errorf("duplicate tag index %d (%q and %q)", idx, tags[idx], name)
		}
		tags[idx] = name
	}
	return tags, nil
}
