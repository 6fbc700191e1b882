package corpus

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/graph"
)

const inlineThreshold = 4096

// IngestionTarget combines Graph reading with the write operations the
// engine needs while materializing the reference tree.
type IngestionTarget interface {
	graph.Graph
	AddNode(n *graph.Node)
	AddRoot(n *graph.Node)
	AddRef(term, relPath string) error
	AddLink(srcRel, destRel string)
}

// RecordSink is implemented by targets that persist raw note records
// (the SQLite writer). The engine feeds it when present so lazy
// ContentRefs can re-render content later.
type RecordSink interface {
	AddRecord(id string, record map[string]any) error
}

// Engine projects parsed documents through a topology into a store.
type Engine struct {
	Topology *api.Topology
	Store    IngestionTarget

	// Lazy loading context, set while ingesting into a SQLite index.
	dbPath   string
	recordID string
	modTime  time.Time
}

func NewEngine(topology *api.Topology, store IngestionTarget) *Engine {
	return &Engine{Topology: topology, Store: store}
}

// SetLazySource makes oversized leaf content resolve lazily from the
// record database instead of being inlined into nodes.
func (e *Engine) SetLazySource(dbPath string) {
	e.dbPath = dbPath
}

// IngestDocuments materializes the reference tree, the term index, and
// the link graph from the given documents.
func (e *Engine) IngestDocuments(docs []*Document) error {
	walker := NewJSONWalker()

	for _, nodeSchema := range e.Topology.Nodes {
		root := &graph.Node{
			ID:   nodeSchema.Name,
			Mode: os.ModeDir | 0o555,
		}
		e.Store.AddNode(root)
		e.Store.AddRoot(root)
	}

	sink, _ := e.Store.(RecordSink)

	for _, doc := range docs {
		rec := doc.Record()
		e.recordID = doc.RelPath
		e.modTime = doc.ModTime

		if sink != nil {
			if err := sink.AddRecord(doc.RelPath, rec); err != nil {
				return fmt.Errorf("store record %s: %w", doc.RelPath, err)
			}
		}

		// Wrap the record so $[*] selectors iterate it.
		wrapper := []any{rec}
		for _, nodeSchema := range e.Topology.Nodes {
			for _, childSchema := range nodeSchema.Children {
				if err := e.processNode(childSchema, walker, wrapper, nodeSchema.Name); err != nil {
					return fmt.Errorf("process %s under %s: %w", doc.RelPath, nodeSchema.Name, err)
				}
			}
		}

		for _, term := range doc.Terms {
			if err := e.Store.AddRef(term, doc.RelPath); err != nil {
				return fmt.Errorf("index term %q: %w", term, err)
			}
		}
		for _, l := range doc.Links {
			if l.Kind != LinkRelative {
				continue
			}
			if dest, ok := ResolveRelative(doc.RelPath, l.Dest); ok {
				e.Store.AddLink(doc.RelPath, dest)
			}
		}
	}
	return nil
}

func (e *Engine) processNode(schema api.Node, walker Walker, ctx any, parentPath string) error {
	matches, err := walker.Query(ctx, schema.Selector)
	if err != nil {
		return fmt.Errorf("query failed for %s: %w", schema.Name, err)
	}

	for _, match := range matches {
		name, err := RenderTemplate(schema.Name, match.Values())
		if err != nil {
			return fmt.Errorf("render name %s: %w", schema.Name, err)
		}
		if name == "" {
			continue
		}

		currentPath := path.Join(parentPath, name)
		id := strings.TrimPrefix(currentPath, "/")

		// Preserve existing children when several documents land in the
		// same directory (shared tag dirs in inferred topologies).
		var existingChildren []string
		if existing, err := e.Store.GetNode(id); err == nil {
			existingChildren = existing.Children
		}

		node := &graph.Node{
			ID:       id,
			Mode:     os.ModeDir | 0o555,
			ModTime:  e.modTime,
			Children: existingChildren,
		}

		// A dynamically named directory stamped from a single note record
		// is that note's home in the tree. The mount layers key the
		// backlinks/ and links/ virtual directories off this property.
		// Static dirs (sections/) pass the same record through and must
		// not claim it.
		if match.Scalar() && strings.Contains(schema.Name, "{{") {
			if rel, ok := match.Values()["rel_path"].(string); ok && rel != "" {
				node.Properties = map[string][]byte{"rel_path": []byte(rel)}
			}
		}
		e.Store.AddNode(node)

		if parentPath == "" {
			e.Store.AddRoot(node)
		} else {
			parentID := strings.TrimPrefix(parentPath, "/")
			parent, err := e.Store.GetNode(parentID)
			if err == nil {
				exists := false
				for _, c := range parent.Children {
					if c == id {
						exists = true
						break
					}
				}
				if !exists {
					parent.Children = append(parent.Children, id)
					e.Store.AddNode(parent)
				}
			}
		}

		nextCtx := match.Context()
		if nextCtx != nil {
			for _, childSchema := range schema.Children {
				if err := e.processNode(childSchema, walker, nextCtx, currentPath); err != nil {
					return err
				}
			}
		}

		for _, fileSchema := range schema.Files {
			fileName, err := RenderTemplate(fileSchema.Name, match.Values())
			if err != nil || fileName == "" {
				continue
			}
			filePath := path.Join(currentPath, fileName)
			fileID := strings.TrimPrefix(filePath, "/")

			content, err := RenderTemplate(fileSchema.ContentTemplate, match.Values())
			if err != nil {
				continue
			}

			mode := fs.FileMode(0o444)
			if fileSchema.Attributes != nil && fileSchema.Attributes.Mode != 0 {
				mode = fs.FileMode(fileSchema.Attributes.Mode)
			}

			fileNode := &graph.Node{
				ID:      fileID,
				Mode:    mode,
				ModTime: e.modTime,
			}

			// Writable leaves carry the source span they splice back into.
			if mode&0o200 != 0 {
				fileNode.Origin = originFromValues(match.Values())
			}

			// Oversized content resolves lazily from the record database.
			// A ContentRef re-renders its template over the note record,
			// so only files rendered in that context qualify; section
			// files stay inline whatever their size.
			if e.dbPath != "" && len(content) > inlineThreshold && e.isRecordContext(match) {
				fileNode.Ref = &graph.ContentRef{
					DBPath:     e.dbPath,
					RecordID:   e.recordID,
					Template:   fileSchema.ContentTemplate,
					ContentLen: int64(len(content)),
				}
			} else {
				fileNode.Data = []byte(content)
			}

			e.Store.AddNode(fileNode)
			node.Children = append(node.Children, fileID)
			e.Store.AddNode(node)
		}
	}
	return nil
}

// isRecordContext reports whether a match's values are the note record
// currently being ingested, as opposed to a nested object like a
// section entry.
func (e *Engine) isRecordContext(match Match) bool {
	rel, ok := match.Values()["rel_path"].(string)
	return ok && rel == e.recordID
}

// originFromValues reads the origin_* fields that note and section
// records carry.
func originFromValues(values map[string]any) *graph.SourceOrigin {
	p, _ := values["origin_path"].(string)
	if p == "" {
		return nil
	}
	start, okStart := asUint32(values["origin_start"])
	end, okEnd := asUint32(values["origin_end"])
	if !okStart || !okEnd || end < start {
		return nil
	}
	return &graph.SourceOrigin{FilePath: p, StartByte: start, EndByte: end}
}

// asUint32 tolerates the numeric types a record field passes through:
// native ints in-process, float64 after a JSON round trip.
func asUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case uint32:
		return n, true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}

// ResolveRelative resolves a relative link destination against the
// linking note's corpus-relative path. The fragment is dropped. ok is
// false when the destination escapes the corpus root.
func ResolveRelative(fromRel, dest string) (string, bool) {
	dest = strings.SplitN(dest, "#", 2)[0]
	if u, err := url.PathUnescape(dest); err == nil {
		dest = u
	}
	if dest == "" {
		return fromRel, true
	}
	var joined string
	if strings.HasPrefix(dest, "/") {
		joined = path.Clean(strings.TrimPrefix(dest, "/"))
	} else {
		joined = path.Join(path.Dir(fromRel), dest)
	}
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", false
	}
	return joined, true
}
