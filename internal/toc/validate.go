package toc

import (
	"bytes"
	"fmt"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/mdlint"
)

// ValidationError is the first finding that blocks a write-back.
type ValidationError struct {
	Path    string
	Line    int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// Validate gates mount write-back: the edited buffer must be valid
// UTF-8, every fence must close, and fences in a known language must
// parse. Any finding rejects the write, including ones the corpus
// audit would only warn about — an edit is not allowed to make a note
// worse.
func Validate(content []byte, path string) error {
	diags := mdlint.CheckBuffer(path, content)
	if len(diags) == 0 {
		return nil
	}
	d := diags[0]
	return &ValidationError{Path: path, Line: d.Line, Message: d.Message}
}

// FenceErrors returns every buffer-local finding for diagnostic
// reporting, nil when the buffer is clean.
func FenceErrors(content []byte, path string) []mdlint.Diagnostic {
	diags := mdlint.CheckBuffer(path, content)
	if len(diags) == 0 {
		return nil
	}
	return diags
}

// FormatGoBuffer rewrites every closed go fence in a note buffer with
// its gofumpt form. Fences that do not parse as Go source are left
// alone. The buffer is returned unchanged when nothing needed
// formatting.
func FormatGoBuffer(content []byte, path string) []byte {
	d := corpus.ParseDocument(path, path, content)

	out := content
	changed := false
	// Back to front so earlier fence offsets stay valid after a splice.
	for i := len(d.Fences) - 1; i >= 0; i-- {
		f := d.Fences[i]
		if !f.Closed || (f.Lang != "go" && f.Lang != "golang") {
			continue
		}
		formatted, ok := mdlint.FormatGoSnippet([]byte(f.Code))
		if !ok || string(formatted) == f.Code {
			continue
		}

		span := out[f.StartByte:f.EndByte]
		nl := bytes.IndexByte(span, '\n')
		if nl < 0 {
			continue
		}
		codeFrom := int(f.StartByte) + nl + 1
		codeTo := codeFrom + len(f.Code)
		if codeTo > len(out) {
			continue
		}

		next := make([]byte, 0, len(out)-len(f.Code)+len(formatted))
		next = append(next, out[:codeFrom]...)
		next = append(next, formatted...)
		next = append(next, out[codeTo:]...)
		out = next
		changed = true
	}

	if !changed {
		return content
	}
	return out
}
