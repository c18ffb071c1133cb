package content

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/rcliao/content-engine/internal/apperr"
)

// jsonValidator handles json-capable activity bodies: an object with a
// string "id", references under idref/objref/skillref/src/href keys at any depth.
type jsonValidator struct{}

func (jsonValidator) Validate(body []byte) (*Result, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.BadRequest("malformed json: %v", err)
	}
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, apperr.BadRequest("json body has no string id")
	}
	res := &Result{ID: id}
	res.Title, _ = doc["title"].(string)
	walkJSON(res, doc)
	return res, nil
}

func walkJSON(res *Result, v any) {
	switch t := v.(type) {
	case map[string]any:
		purpose, _ := t["purpose"].(string)
		for _, k := range slices.Sorted(maps.Keys(t)) {
			child := t[k]
			switch k {
			case "idref", "objref", "skillref":
				for _, dest := range jsonStrings(child) {
					res.References = append(res.References, Reference{
						Destination:   dest,
						Relationship:  relationshipFor(k),
						Purpose:       purpose,
						ReferenceType: k,
					})
				}
				continue
			case "src", "href":
				if s, ok := child.(string); ok {
					if key, ok := WebContentKey(s); ok {
						res.References = append(res.References, Reference{
							Destination:   key,
							Relationship:  "embeds",
							Purpose:       purpose,
							ReferenceType: k,
						})
					}
					continue
				}
			}
			walkJSON(res, child)
		}
	case []any:
		for _, child := range t {
			walkJSON(res, child)
		}
	}
}

func jsonStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
