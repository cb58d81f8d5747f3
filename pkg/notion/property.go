package notion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/google/uuid"
)

// ErrUnknownPropertyKind is returned when Notion sends a property type fern
// has no mapping for. This is schema drift, not data: it must surface instead
// of silently producing a malformed attribute. Only relation and rollup are
// intentionally skipped.
type ErrUnknownPropertyKind struct {
	Name string
	Kind string
}

func (e *ErrUnknownPropertyKind) Error() string {
	return fmt.Sprintf("unknown notion property kind %q on property %q", e.Kind, e.Name)
}

// Property is the raw payload of one named property on a row. Notion property
// objects are polymorphic: {"type": "number", "number": 1.5, ...}.
type Property struct {
	Type   string
	fields map[string]json.RawMessage
}

func (p *Property) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.fields); err != nil {
		return err
	}
	if raw, ok := p.fields["type"]; ok {
		if err := json.Unmarshal(raw, &p.Type); err != nil {
			return err
		}
	}
	return nil
}

// payload returns the type-keyed value object of the property.
func (p Property) payload() json.RawMessage {
	return p.fields[p.Type]
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type namedObject struct {
	Name string `json:"name"`
}

type idObject struct {
	ID string `json:"id"`
}

// MapProperty converts one named Notion property into the typed attribute
// stored on the element. It returns (nil, nil) for the relation and rollup
// kinds, which fern does not support: the local schema silently omits them.
//
// Empty or absent string-like values are stored as NULL, never as "": the
// is_empty filter operator is defined against NULL.
func MapProperty(name string, prop Property, elementID uuid.UUID) (*models.Attribute, error) {
	return mapProperty(name, prop, elementID, prop.Type)
}

func mapProperty(name string, prop Property, elementID uuid.UUID, upstreamType string) (*models.Attribute, error) {
	attr := &models.Attribute{
		ID:        uuid.New(),
		ElementID: elementID,
		Name:      name,
		Type:      upstreamType,
	}

	switch prop.Type {
	case "title", "rich_text":
		var parts []richText
		if err := json.Unmarshal(prop.payload(), &parts); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		attr.Kind = models.KindString
		if len(parts) > 0 {
			text := ""
			for _, part := range parts {
				text += part.PlainText
			}
			attr.ValueString = &text
		}

	case "string":
		// Formula results carry a plain (nullable) string.
		var s *string
		if err := json.Unmarshal(prop.payload(), &s); err != nil {
			return nil, fmt.Errorf("failed to parse string property %q: %w", name, err)
		}
		attr.Kind = models.KindString
		if s != nil && *s != "" {
			attr.ValueString = s
		}

	case "url", "email", "phone_number":
		var s *string
		if err := json.Unmarshal(prop.payload(), &s); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		attr.Kind = models.KindString
		if s != nil && *s != "" {
			attr.ValueString = s
		}

	case "select", "status":
		var obj *namedObject
		if err := json.Unmarshal(prop.payload(), &obj); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		attr.Kind = models.KindString
		if obj != nil && obj.Name != "" {
			attr.ValueString = &obj.Name
		}

	case "checkbox":
		var b bool
		if err := json.Unmarshal(prop.payload(), &b); err != nil {
			return nil, fmt.Errorf("failed to parse checkbox property %q: %w", name, err)
		}
		attr.Kind = models.KindBool
		attr.ValueBool = &b

	case "boolean":
		// Formula results use "boolean" instead of "checkbox".
		var b *bool
		if err := json.Unmarshal(prop.payload(), &b); err != nil {
			return nil, fmt.Errorf("failed to parse boolean property %q: %w", name, err)
		}
		attr.Kind = models.KindBool
		f := false
		if b == nil {
			b = &f
		}
		attr.ValueBool = b

	case "number":
		var n *float64
		if err := json.Unmarshal(prop.payload(), &n); err != nil {
			return nil, fmt.Errorf("failed to parse number property %q: %w", name, err)
		}
		attr.Kind = models.KindNumber
		attr.ValueNumber = n

	case "date":
		var obj *struct {
			Start string `json:"start"`
		}
		if err := json.Unmarshal(prop.payload(), &obj); err != nil {
			return nil, fmt.Errorf("failed to parse date property %q: %w", name, err)
		}
		attr.Kind = models.KindDate
		if obj != nil && obj.Start != "" {
			parsed, err := ParseDate(obj.Start)
			if err != nil {
				return nil, fmt.Errorf("failed to parse date property %q: %w", name, err)
			}
			attr.ValueDate = &parsed
		}

	case "created_time", "last_edited_time":
		var s string
		if err := json.Unmarshal(prop.payload(), &s); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		parsed, err := ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		attr.Kind = models.KindDate
		attr.ValueDate = &parsed

	case "created_by", "last_edited_by":
		var actor idObject
		if err := json.Unmarshal(prop.payload(), &actor); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		attr.Kind = models.KindString
		if actor.ID != "" {
			attr.ValueString = &actor.ID
		}

	case "multi_select", "files":
		var objs []namedObject
		if err := json.Unmarshal(prop.payload(), &objs); err != nil {
			return nil, fmt.Errorf("failed to parse %s property %q: %w", prop.Type, name, err)
		}
		names := make([]string, 0, len(objs))
		for _, obj := range objs {
			names = append(names, obj.Name)
		}
		return multiStringAttribute(attr, names)

	case "people":
		var objs []idObject
		if err := json.Unmarshal(prop.payload(), &objs); err != nil {
			return nil, fmt.Errorf("failed to parse people property %q: %w", name, err)
		}
		ids := make([]string, 0, len(objs))
		for _, obj := range objs {
			ids = append(ids, obj.ID)
		}
		return multiStringAttribute(attr, ids)

	case "formula":
		// The wrapped value is itself a typed property object; unwrap and
		// map it with its own type, keeping "formula" as the upstream tag.
		var inner Property
		if err := json.Unmarshal(prop.payload(), &inner); err != nil {
			return nil, fmt.Errorf("failed to parse formula property %q: %w", name, err)
		}
		return mapProperty(name, inner, elementID, "formula")

	case "relation", "rollup":
		return nil, nil

	default:
		return nil, &ErrUnknownPropertyKind{Name: name, Kind: prop.Type}
	}

	return attr, nil
}

func multiStringAttribute(attr *models.Attribute, values []string) (*models.Attribute, error) {
	attr.Kind = models.KindMultiString
	if len(values) == 0 {
		return attr, nil
	}
	serialized, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize multistring property %q: %w", attr.Name, err)
	}
	s := string(serialized)
	attr.ValueString = &s
	return attr, nil
}

// ParseDate parses an ISO-8601 date or datetime and normalizes it to UTC.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 date: %q", s)
}
