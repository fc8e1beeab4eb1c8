package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when model output holds no usable JSON.
var ErrMalformedResponse = errors.New("extraction: malformed model response")

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the JSON object in a model response. It handles code
// fences and prose before or after the object. A bare array is wrapped as
// {"entities": [...]}.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	obj := strings.Index(raw, "{")
	arr := strings.Index(raw, "[")
	if arr >= 0 && (obj < 0 || arr < obj) {
		if end := strings.LastIndex(raw, "]"); end > arr {
			return `{"entities":` + raw[arr:end+1] + `}`, nil
		}
	}
	end := strings.LastIndex(raw, "}")
	if obj >= 0 && end > obj {
		return raw[obj : end+1], nil
	}
	return "", fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
}

// rawEntity is one entity as the model returns it. Fields accept the loose
// shapes small models produce (numbers as strings, a single reference
// instead of a list).
type rawEntity struct {
	Label         string         `json:"label"`
	Definition    string         `json:"definition"`
	Confidence    looseFloat     `json:"confidence"`
	TextReference looseStrings   `json:"text_reference"`
	Attributes    map[string]any `json:"attributes"`
}

// UnmarshalJSON reads the known fields and folds any other top-level keys
// into Attributes.
func (r *rawEntity) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	type known rawEntity
	var k known
	if err := json.Unmarshal(b, &k); err != nil {
		return err
	}
	*r = rawEntity(k)
	for key, v := range fields {
		switch key {
		case "label", "definition", "confidence", "text_reference", "attributes":
			continue
		}
		if r.Attributes == nil {
			r.Attributes = map[string]any{}
		}
		if _, exists := r.Attributes[key]; exists {
			continue
		}
		var val any
		if json.Unmarshal(v, &val) == nil {
			r.Attributes[key] = val
		}
	}
	return nil
}

type looseFloat struct {
	Value float64
	Set   bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		// Unparseable confidence counts as absent.
		return nil
	}
	if strings.HasSuffix(s, "%") {
		v /= 100
	}
	f.Value, f.Set = v, true
	return nil
}

type looseStrings []string

func (l *looseStrings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			*l = looseStrings{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return nil
	}
	for _, s := range many {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// parseEntities decodes the entity list from a model response. When the
// object has no "entities" key, the first array value is used.
func parseEntities(content string) ([]rawEntity, error) {
	js, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(js), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	list, ok := obj["entities"]
	if !ok {
		for _, v := range obj {
			if t := strings.TrimSpace(string(v)); strings.HasPrefix(t, "[") {
				list, ok = v, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: no entities array", ErrMalformedResponse)
	}
	var out []rawEntity
	if err := json.Unmarshal(list, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// DecodeJSON recovers the JSON object in a model response and decodes it
// into v.
func DecodeJSON(content string, v any) error {
	js, err := extractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(js), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
