// corpus-gen writes a synthetic study-note corpus for duplicate-detector
// calibration and scale testing. The same seed always produces the same
// corpus, so benchmark runs stay comparable.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

type section struct {
	title string
	body  string
}

type note struct {
	name     string // file name relative to the output dir
	title    string
	sections []section
	crossRef string
}

var topics = []string{
	"Scalars", "Arrays", "Hashes", "References", "Regex Basics",
	"Captures", "Modifiers", "Filehandles", "Subroutines", "Context",
	"Sorting", "Slices", "Closures", "Packages", "Modules",
	"Special Variables", "String Functions", "List Functions",
	"Error Handling", "Command Line",
}

var terms = []string{
	"$_", "@ARGV", "%ENV", "$0", "$1", "my", "our", "local",
	"chomp", "split", "join", "map", "grep", "sort", "wantarray",
	"ref", "bless", "open", "close", "qw()", "/x", "/g", "scalar",
	"defined", "exists", "delete", "keys", "values", "each",
}

var sentences = []string{
	"The %s builtin behaves differently in list and scalar context, so check %s first.",
	"Use %s when the default %s would clobber a value the caller still needs.",
	"A common idiom pairs %s with %s to process input one line at a time.",
	"Remember that %s does not copy the structure; it aliases it, unlike %s.",
	"When in doubt, print %s from a debugging statement before reaching for %s.",
	"The return value of %s is undefined on failure, so guard it before %s runs.",
	"Nested data needs %s to peel one level at a time before %s applies.",
	"Older scripts spell this with %s, but the lexical form with %s reads better.",
}

var snippets = []string{
	"while (<>) {\n    chomp;\n    print \"$_\\n\";\n}",
	"my @sorted = sort { $a <=> $b } @nums;",
	"my %count;\n$count{$_}++ for @words;",
	"open my $fh, '<', $path or die \"open $path: $!\";",
	"my ($first, @rest) = @ARGV;",
	"print join(', ', map { uc } grep { /\\w/ } @items), \"\\n\";",
}

func main() {
	outDir := flag.String("out", "corpus", "output directory for the generated notes")
	noteCount := flag.Int("notes", 50, "number of notes to generate")
	sectionCount := flag.Int("sections", 6, "sections per note")
	dupRatio := flag.Float64("dup", 0.1, "fraction of sections copied near-verbatim into a later note")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	if *noteCount < 1 || *sectionCount < 1 {
		fatal(fmt.Errorf("need at least one note and one section"))
	}

	rng := rand.New(rand.NewSource(*seed))
	notes := generate(rng, *noteCount, *sectionCount)
	dups := injectDuplicates(rng, notes, *dupRatio)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fatal(err)
	}
	for _, n := range notes {
		if err := os.WriteFile(filepath.Join(*outDir, n.name), []byte(render(n)), 0o644); err != nil {
			fatal(err)
		}
	}

	fmt.Printf("generated %d notes (%d sections, %d near-duplicates, seed %d) in %s\n",
		len(notes), *noteCount**sectionCount, dups, *seed, *outDir)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "corpus-gen: %v\n", err)
	os.Exit(1)
}

func generate(rng *rand.Rand, noteCount, sectionCount int) []*note {
	notes := make([]*note, 0, noteCount)
	for i := 0; i < noteCount; i++ {
		title := topics[i%len(topics)]
		if i >= len(topics) {
			title = fmt.Sprintf("%s %d", title, i/len(topics)+1)
		}

		// Distinct section titles per note; the note title itself is
		// skipped so the H1 and H2 anchors never collide.
		pool := make([]string, 0, len(topics))
		for _, t := range topics {
			if t != title {
				pool = append(pool, t)
			}
		}
		rng.Shuffle(len(pool), func(a, b int) { pool[a], pool[b] = pool[b], pool[a] })

		n := &note{
			name:  anchor(title) + ".md",
			title: title,
		}
		for s := 0; s < sectionCount && s < len(pool); s++ {
			n.sections = append(n.sections, section{
				title: pool[s],
				body:  sectionBody(rng, s == 0),
			})
		}

		// Every note after the first links back into the corpus so the
		// link graph and anchor checks have something to chew on.
		if i > 0 {
			prev := notes[rng.Intn(len(notes))]
			n.crossRef = fmt.Sprintf("See also [%s](%s#%s).",
				prev.sections[0].title, prev.name, anchor(prev.sections[0].title))
		}
		notes = append(notes, n)
	}
	return notes
}

func sectionBody(rng *rand.Rand, withFence bool) string {
	var b strings.Builder
	lines := 3 + rng.Intn(3)
	for i := 0; i < lines; i++ {
		tmpl := sentences[rng.Intn(len(sentences))]
		fmt.Fprintf(&b, tmpl+"\n", code(rng), code(rng))
	}
	if withFence {
		b.WriteString("\n```perl\n")
		b.WriteString(snippets[rng.Intn(len(snippets))])
		b.WriteString("\n```\n")
	}
	return b.String()
}

func code(rng *rand.Rand) string {
	return "`" + terms[rng.Intn(len(terms))] + "`"
}

// injectDuplicates copies sections from the first half of the corpus
// into notes of the second half, near-verbatim: one trailing sentence is
// added so the copies are similar rather than identical. Returns the
// number of copies placed.
func injectDuplicates(rng *rand.Rand, notes []*note, ratio float64) int {
	if ratio <= 0 || len(notes) < 2 {
		return 0
	}
	total := 0
	for _, n := range notes {
		total += len(n.sections)
	}
	want := int(float64(total) * ratio)

	half := len(notes) / 2
	placed := 0
	for attempt := 0; attempt < want*4 && placed < want; attempt++ {
		src := notes[rng.Intn(half)]
		sec := src.sections[rng.Intn(len(src.sections))]
		dst := notes[half+rng.Intn(len(notes)-half)]
		if dst == src || hasSection(dst, sec.title) {
			continue
		}
		dst.sections = append(dst.sections, section{
			title: sec.title,
			body:  sec.body + "Same caveats apply.\n",
		})
		placed++
	}
	return placed
}

func hasSection(n *note, title string) bool {
	for _, s := range n.sections {
		if s.title == title {
			return true
		}
	}
	return false
}

func render(n *note) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", n.title)
	b.WriteString("tags: [generated]\n")
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", n.title)
	b.WriteString("<!-- toc -->\n<!-- tocstop -->\n\n")
	if n.crossRef != "" {
		b.WriteString(n.crossRef + "\n\n")
	}
	for _, s := range n.sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n", s.title, s.body)
	}
	return b.String()
}

func anchor(title string) string {
	return strings.ReplaceAll(strings.ToLower(title), " ", "-")
}
