// Package parser imports Markdown documents into note drafts: YAML
// frontmatter becomes metadata, the body becomes a content tree and
// [[note-id]] wikilinks become "rel:link" edges.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/folio/internal/models"
)

// LinkType is the relationship type wikilinks are recorded under.
const LinkType = "link"

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
	orderedRe  = regexp.MustCompile(`^\d+[.)]\s+`)
)

// Result holds the output of parsing a Markdown file.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Nodes       []models.Node
	Links       []models.NoteID // wikilinks that name a note ID
	Unresolved  []string        // wikilinks that do not
	Tags        []string
	Title       string
}

// Parse splits frontmatter from the body and builds the content tree.
func Parse(data []byte) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	r := &Result{
		Frontmatter: fm,
		Body:        body,
		Nodes:       blocks(body),
		Tags:        extractTags(body, fm),
		Title:       deriveTitle(fm, body),
	}
	for _, l := range extractLinks(body) {
		if id, err := models.ParseNoteID(l); err == nil {
			r.Links = append(r.Links, id)
		} else {
			r.Unresolved = append(r.Unresolved, l)
		}
	}
	return r, nil
}

// Draft converts the result into a note draft. Scalar frontmatter values
// become single metadata values and sequences become value lists; nested
// maps are skipped. Title and tags land under "title" and "tag".
func (r *Result) Draft() models.Draft {
	md := models.Metadata{}
	keys := make([]string, 0, len(r.Frontmatter))
	for k := range r.Frontmatter {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "tags" || k == "title" {
			continue
		}
		switch v := r.Frontmatter[k].(type) {
		case []any:
			for _, item := range v {
				if s, ok := scalar(item); ok {
					md.Add(k, s)
				}
			}
		default:
			if s, ok := scalar(v); ok {
				md.Add(k, s)
			}
		}
	}
	if r.Title != "" {
		md.Add("title", r.Title)
	}
	for _, t := range r.Tags {
		md.Add("tag", t)
	}
	for _, id := range r.Links {
		md.Add(models.RelKey(LinkType), string(id))
	}
	if len(md) == 0 {
		md = nil
	}
	return models.Draft{Content: r.Nodes, Metadata: md}
}

func scalar(v any) (string, bool) {
	switch v := v.(type) {
	case nil, map[string]any, []any:
		return "", false
	case string:
		return v, true
	default:
		return fmt.Sprint(v), true
	}
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]any, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), nil
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Invalid YAML: keep the whole document as body.
		return nil, string(data), nil
	}

	return fm, body, nil
}

// blocks turns Markdown into a shallow tree: headings, paragraphs, fenced
// code, quotes and lists whose items hold their text.
func blocks(body string) []models.Node {
	var (
		out   []models.Node
		para  []string
		quote []string
		list  *models.Node
	)
	flush := func() {
		if len(para) > 0 {
			out = append(out, models.Node{Type: models.KindParagraph, Text: strings.Join(para, "\n")})
			para = nil
		}
		if len(quote) > 0 {
			out = append(out, models.Node{Type: models.KindQuote, Text: strings.Join(quote, "\n")})
			quote = nil
		}
		if list != nil {
			out = append(out, *list)
			list = nil
		}
	}

	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "```"):
			flush()
			var code []string
			for i++; i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```"); i++ {
				code = append(code, lines[i])
			}
			out = append(out, models.Node{Type: models.KindCode, Text: strings.Join(code, "\n")})
		case isHeading(trimmed):
			flush()
			out = append(out, models.Node{Type: models.KindHeading, Text: strings.TrimSpace(strings.TrimLeft(trimmed, "#"))})
		case strings.HasPrefix(trimmed, ">"):
			if len(para) > 0 || list != nil {
				flush()
			}
			quote = append(quote, strings.TrimSpace(strings.TrimPrefix(trimmed, ">")))
		case listItem(trimmed) != "":
			if len(para) > 0 || len(quote) > 0 {
				flush()
			}
			if list == nil {
				list = &models.Node{Type: models.KindList}
			}
			list.Children = append(list.Children, models.Node{Type: models.KindItem, Text: listItem(trimmed)})
		default:
			if list != nil || len(quote) > 0 {
				flush()
			}
			para = append(para, trimmed)
		}
	}
	flush()
	return out
}

func isHeading(s string) bool {
	n := len(s) - len(strings.TrimLeft(s, "#"))
	return n >= 1 && n <= 6 && len(s) > n && s[n] == ' '
}

// listItem returns the item text of a bullet or ordered list line, or "".
func listItem(s string) string {
	for _, p := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(s, p) {
			return strings.TrimSpace(s[len(p):])
		}
	}
	if loc := orderedRe.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return ""
}

// extractLinks returns deduplicated wikilink targets, normalising aliases.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target, _, _ := strings.Cut(m[1], "|")
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags collects #tags from body and from the frontmatter "tags" field.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]any, body string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
