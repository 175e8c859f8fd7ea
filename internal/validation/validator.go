package validation

// Violation is one JSON Schema failure, located by JSON pointer.
type Violation struct {
	Keyword string `json:"keyword"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// Result is the outcome of validating a value against a schema.
type Result struct {
	Valid  bool        `json:"valid"`
	Errors []Violation `json:"errors,omitempty"`
}

// Messages returns the violations as "path: message" strings.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, v := range r.Errors {
		out = append(out, v.Path+": "+v.Message)
	}
	return out
}
