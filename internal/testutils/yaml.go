// SPDX-License-Identifier: Apache-2.0

package testutils

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

// DecodeYAMLConfig decodes a bucket-config fixture authored as YAML into the
// map[string]interface{} shape schema.Validate expects, the way the teacher
// decodes its migration fixtures. yaml.v3 already produces map[string]any
// for mappings, but numbers come back as int rather than the float64 the
// JSON-derived validator assumes, so the value is round-tripped through
// encoding/json to normalise it.
func DecodeYAMLConfig(t *testing.T, doc string) map[string]interface{} {
	t.Helper()

	var raw interface{}
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("decoding YAML bucket-config fixture: %v", err)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("normalising YAML bucket-config fixture: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(normalized, &out); err != nil {
		t.Fatalf("decoding normalised bucket-config fixture: %v", err)
	}
	return out
}
