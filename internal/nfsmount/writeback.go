package nfsmount

import (
	"log"
	"os"
	"path"
	"strings"
	"time"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/graph"
	"github.com/agentic-research/gloss/internal/mdlint"
	"github.com/agentic-research/gloss/internal/toc"
)

// IndexMirror receives accepted write-backs so a built index stays in
// step with the source notes. UpdateRecord patches the edited file node;
// UpdateNote replaces the note record that derived files (outline,
// terms, sections) render from. WritableGraph implements it.
type IndexMirror interface {
	UpdateRecord(id string, content []byte) error
	UpdateNote(rel string, record map[string]any) error
	Flush()
}

// NewNoteWriteBack builds the close-commit pipeline for writable
// mounts: validate the buffer, format go fences, lint, splice the
// result into the source note, then fix up origins and node content so
// the mount keeps serving without a rescan. A non-nil mirror receives
// the accepted content afterwards; mirror failures are logged, never
// surfaced, since the source file is already updated.
//
// Outcomes land in the store's write status under the note directory
// and surface through _diagnostics/: "ok", a validation error, or
// advisory lint findings under the /lint key. A rejected buffer is kept
// as the node's draft so the editor can read its attempt back.
func NewNoteWriteBack(store *graph.MemoryStore, mirror IndexMirror) WriteBackFunc {
	return func(nodeID string, origin graph.SourceOrigin, content []byte) error {
		dir := path.Dir(nodeID)
		// Store map keys carry no leading slash; status keys do.
		id := strings.TrimPrefix(nodeID, "/")

		if err := toc.Validate(content, origin.FilePath); err != nil {
			store.WriteStatus.Store(dir, err.Error())
			draft := make([]byte, len(content))
			copy(draft, content)
			store.SetDraft(id, draft)
			// Failing the COMMIT would make NFS clients retry the write
			// forever. The buffer is parked as a draft instead and the
			// source file stays untouched.
			return nil
		}

		formatted := toc.FormatGoBuffer(content, origin.FilePath)

		if diags := mdlint.LintBuffer(origin.FilePath, formatted); len(diags) > 0 {
			var b strings.Builder
			for _, d := range diags {
				b.WriteString(d.String())
				b.WriteByte('\n')
			}
			store.WriteStatus.Store(dir+"/lint", b.String())
		} else {
			store.WriteStatus.Delete(dir + "/lint")
		}

		if err := toc.Splice(origin, formatted); err != nil {
			store.WriteStatus.Store(dir, err.Error())
			return err
		}

		newOrigin := &graph.SourceOrigin{
			FilePath:  origin.FilePath,
			StartByte: origin.StartByte,
			EndByte:   origin.StartByte + uint32(len(formatted)),
		}
		if delta := int32(len(formatted)) - int32(origin.EndByte-origin.StartByte); delta != 0 {
			store.ShiftOrigins(origin.FilePath, origin.EndByte, delta)
		}
		if err := store.UpdateNodeContent(id, formatted, newOrigin, time.Now()); err != nil {
			store.WriteStatus.Store(dir, err.Error())
			return err
		}

		store.SetDraft(id, nil)
		store.WriteStatus.Store(dir, "ok")
		store.Invalidate(nodeID)

		if mirror != nil {
			if err := mirror.UpdateRecord(id, formatted); err != nil {
				log.Printf("index mirror %s: %v", id, err)
			}
			// A section write changes the whole note on disk, so the
			// note record is rebuilt from the spliced file rather than
			// patched from the buffer.
			if rel, ok := noteRelFor(store, id); ok {
				if rec, err := reparseNote(origin.FilePath, rel); err != nil {
					log.Printf("index mirror reparse %s: %v", rel, err)
				} else if err := mirror.UpdateNote(rel, rec); err != nil {
					log.Printf("index mirror note %s: %v", rel, err)
				}
			}
			mirror.Flush()
		}
		return nil
	}
}

// noteRelFor resolves the source rel path of the note owning a node by
// walking parent directories until one carries a rel_path property.
func noteRelFor(store *graph.MemoryStore, id string) (string, bool) {
	dirs := store.NoteDirs()
	for d := path.Dir(id); d != "" && d != "." && d != "/"; d = path.Dir(d) {
		if rel, ok := dirs[d]; ok {
			return rel, true
		}
	}
	return "", false
}

// reparseNote re-reads a spliced source file and rebuilds the record the
// index stores for its note.
func reparseNote(filePath, rel string) (map[string]any, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	doc := corpus.ParseDocument(filePath, rel, data)
	if fi, err := os.Stat(filePath); err == nil {
		doc.ModTime = fi.ModTime()
	}
	return doc.Record(), nil
}
