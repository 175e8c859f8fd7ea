package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind distinguishes field access from index access.
type SegmentKind int

const (
	SegmentField SegmentKind = iota
	SegmentIndex
)

// Segment is one accessor token of a template path.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

func (s Segment) String() string {
	if s.Kind == SegmentIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return s.Name
}

// Path is a parsed accessor chain such as variables.weather[0].temp.
// The first segment is always a field naming the namespace.
type Path struct {
	Raw      string
	Segments []Segment
}

// Namespace returns the leading field of the path.
func (p Path) Namespace() string {
	if len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[0].Name
}

// ParsePath tokenizes a dot/bracket accessor chain.
//
//	path    = field { "." field | "[" index "]" | "[" quoted "]" }
//	field   = 1*(any char except . [ ] and whitespace)
//	index   = 1*digit
//	quoted  = '"' chars '"' | "'" chars "'"
func ParsePath(raw string) (Path, error) {
	s := strings.TrimSpace(raw)
	p := Path{Raw: s}
	if s == "" {
		return p, fmt.Errorf("empty path")
	}

	i := 0
	name, n := scanField(s)
	if n == 0 {
		return p, fmt.Errorf("path %q must start with a namespace", s)
	}
	p.Segments = append(p.Segments, Segment{Kind: SegmentField, Name: name})
	i += n

	for i < len(s) {
		switch s[i] {
		case '.':
			name, n := scanField(s[i+1:])
			if n == 0 {
				return p, fmt.Errorf("empty field at offset %d in %q", i+1, s)
			}
			p.Segments = append(p.Segments, Segment{Kind: SegmentField, Name: name})
			i += 1 + n
		case '[':
			seg, n, err := scanBracket(s[i:])
			if err != nil {
				return p, fmt.Errorf("%w at offset %d in %q", err, i, s)
			}
			p.Segments = append(p.Segments, seg)
			i += n
		default:
			return p, fmt.Errorf("unexpected %q at offset %d in %q", s[i], i, s)
		}
	}
	return p, nil
}

func scanField(s string) (string, int) {
	n := 0
	for n < len(s) {
		c := s[n]
		if c == '.' || c == '[' || c == ']' || c == ' ' || c == '\t' || c == '\n' {
			break
		}
		n++
	}
	return s[:n], n
}

// scanBracket parses "[12]" or `["key"]` starting at s[0] == '['.
func scanBracket(s string) (Segment, int, error) {
	end := strings.IndexByte(s, ']')
	if end == -1 {
		return Segment{}, 0, fmt.Errorf("unclosed bracket")
	}
	inner := strings.TrimSpace(s[1:end])
	if inner == "" {
		return Segment{}, 0, fmt.Errorf("empty bracket")
	}

	if q := inner[0]; q == '"' || q == '\'' {
		// Quoted keys may contain ']' so re-scan for the matching quote.
		start := strings.IndexByte(s, q)
		closeQ := strings.IndexByte(s[start+1:], q)
		if closeQ == -1 {
			return Segment{}, 0, fmt.Errorf("unterminated quoted key")
		}
		key := s[start+1 : start+1+closeQ]
		rest := strings.TrimLeft(s[start+1+closeQ+1:], " ")
		if !strings.HasPrefix(rest, "]") {
			return Segment{}, 0, fmt.Errorf("expected ] after quoted key")
		}
		consumed := len(s) - len(rest) + 1
		return Segment{Kind: SegmentField, Name: key}, consumed, nil
	}

	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return Segment{}, 0, fmt.Errorf("invalid index %q", inner)
	}
	return Segment{Kind: SegmentIndex, Index: idx}, end + 1, nil
}

// Walk resolves the segments after the namespace against root.
func (p Path) Walk(root any) (any, error) {
	if len(p.Segments) == 0 {
		return root, nil
	}
	return walk(root, p.Segments[1:], p.Raw)
}

func walk(current any, segments []Segment, raw string) (any, error) {
	for _, seg := range segments {
		switch seg.Kind {
		case SegmentField:
			switch v := current.(type) {
			case map[string]any:
				val, ok := v[seg.Name]
				if !ok {
					return nil, fmt.Errorf("field %q not found in %q; available: [%s]",
						seg.Name, raw, strings.Join(mapKeys(v), ", "))
				}
				current = val
			case map[string]string:
				val, ok := v[seg.Name]
				if !ok {
					return nil, fmt.Errorf("field %q not found in %q", seg.Name, raw)
				}
				current = val
			default:
				return nil, fmt.Errorf("cannot read field %q of %T in %q", seg.Name, current, raw)
			}
		case SegmentIndex:
			v, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index %T with [%d] in %q", current, seg.Index, raw)
			}
			if seg.Index >= len(v) {
				return nil, fmt.Errorf("index %d out of range (len %d) in %q", seg.Index, len(v), raw)
			}
			current = v[seg.Index]
		}
	}
	return current, nil
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
