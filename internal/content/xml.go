package content

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rcliao/content-engine/internal/apperr"
)

// xmlValidator walks an XML body once, checking the root element and
// collecting references from idref/src/href attributes.
type xmlValidator struct {
	root      string
	requireID bool
	// defines maps element names to the index kind they define.
	defines map[string]string
}

type xmlFrame struct {
	name string
	// source is the domain id of the enclosing definition, if any.
	source string
	// def is the index into Result.Definitions this element opened, or -1.
	def int
}

func (v *xmlValidator) Validate(body []byte) (*Result, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true
	dec.Entity = xml.HTMLEntity

	res := &Result{}
	var stack []xmlFrame
	seenRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.BadRequest("malformed xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			if !seenRoot {
				seenRoot = true
				if name != v.root {
					return nil, apperr.BadRequest("expected <%s> root element, got <%s>", v.root, name)
				}
				res.ID = attr(t, "id")
				res.Title = attr(t, "title")
				if v.requireID && res.ID == "" {
					return nil, apperr.BadRequest("<%s> has no id attribute", name)
				}
			}
			f := xmlFrame{name: name, def: -1}
			if len(stack) > 0 {
				f.source = stack[len(stack)-1].source
			}
			if kind, ok := v.defines[name]; ok {
				if id := attr(t, "id"); id != "" {
					res.Definitions = append(res.Definitions, Definition{Kind: kind, ID: id})
					f.source = id
					f.def = len(res.Definitions) - 1
				} else {
					res.Warnings = append(res.Warnings, fmt.Sprintf("<%s> without id ignored", name))
				}
			}
			collectAttrRefs(res, t, f.source)
			stack = append(stack, f)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			top := stack[len(stack)-1]
			switch {
			case top.def >= 0:
				d := &res.Definitions[top.def]
				d.Title = strings.TrimSpace(d.Title + " " + text)
			case top.name == "title" && len(stack) == 2 && res.Title == "":
				res.Title = text
			}
		}
	}
	if !seenRoot {
		return nil, apperr.BadRequest("empty xml document")
	}
	return res, nil
}

func collectAttrRefs(res *Result, el xml.StartElement, source string) {
	name := el.Name.Local
	purpose := attr(el, "purpose")
	for _, a := range el.Attr {
		switch a.Name.Local {
		case "idref":
			if a.Value == "" {
				continue
			}
			res.References = append(res.References, Reference{
				Source:        source,
				Destination:   a.Value,
				Relationship:  relationshipFor(name),
				Purpose:       purpose,
				ReferenceType: name,
			})
		case "src", "href":
			if key, ok := WebContentKey(a.Value); ok {
				res.References = append(res.References, Reference{
					Source:        source,
					Destination:   key,
					Relationship:  "embeds",
					Purpose:       purpose,
					ReferenceType: name,
				})
			}
		}
	}
}

func relationshipFor(refType string) string {
	switch refType {
	case "objref":
		return "supports"
	case "skillref":
		return "exercises"
	default:
		return "links"
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Manifest is the package descriptor at the root of a working copy.
type Manifest struct {
	XMLName     xml.Name `xml:"package"`
	ID          string   `xml:"id,attr"`
	Version     string   `xml:"version,attr"`
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
}

// ParseManifest decodes a package manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, apperr.BadRequest("malformed package manifest: %v", err)
	}
	m.Title = strings.TrimSpace(m.Title)
	m.Description = strings.TrimSpace(m.Description)
	return &m, nil
}
