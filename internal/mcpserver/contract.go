package mcpserver

// NoteFormatContract describes the Markdown shape create_note imports and
// how it maps onto a note's content tree and metadata.
const NoteFormatContract = `# Folio Note Format Contract

Notes are created from Markdown. The importer turns the document into a
versioned note: frontmatter becomes metadata, the body becomes a content tree.

## Structure

` + "```" + `markdown
---
title: Human-readable title        # RECOMMENDED – stored as metadata "title"
tags:                               # OPTIONAL – each stored as metadata "tag"
  - tag-one
  - tag-two
status: draft                       # any other scalar or list becomes metadata
---

Body text in standard Markdown.

Link other notes by ID: [[3f2b0c9e-8a41-4c55-9d0e-1b7a2c6f4e10]]
` + "```" + `

## Rules

1. **Frontmatter** is optional YAML between ` + "`" + `---` + "`" + ` fences at the top. Nested maps are ignored.
2. **Title**: frontmatter ` + "`" + `title` + "`" + `, otherwise the first ` + "`" + `# heading` + "`" + `.
3. **Tags** are lowercase, kebab-case (e.g. ` + "`" + `project-x` + "`" + `). Inline ` + "`" + `#tags` + "`" + ` are collected too.
4. **Wikilinks** must name a note ID: ` + "`" + `[[<uuid>]]` + "`" + ` or ` + "`" + `[[<uuid>|label]]` + "`" + `. Each one becomes a
   ` + "`" + `rel:link` + "`" + ` relationship. Links that are not IDs are kept as text only; use
   search_notes to find the ID first.
5. **Blocks**: headings, paragraphs, bullet or numbered lists, ` + "`" + `>` + "`" + ` quotes and fenced code
   are preserved as typed nodes. Inline formatting is kept as plain text.
6. **Encoding** is UTF-8.

## Versions

Every change creates a new immutable version; nothing is overwritten. Deleting a
note marks its head deleted and keeps its history. Use note_history to list
versions.

## Assets & Images

- Upload assets via the ` + "`" + `upload_asset` + "`" + ` tool. Content is stored by SHA-256 and returned as
  a ` + "`" + `sha256:<hex>` + "`" + ` reference plus a ` + "`" + `markdownImage` + "`" + ` snippet.
- Pass ` + "`" + `note_id` + "`" + ` to record the asset on a note as metadata ` + "`" + `blob:<filename>` + "`" + `.
- Supported formats: png, jpg, jpeg, gif, webp, svg, pdf.

## Example

` + "```" + `markdown
---
title: Weekly standup 2025-01-20
tags:
  - meeting-notes
  - project-x
---

# Weekly standup 2025-01-20

Attendees: Alice, Bob.

## Action items

- Review the design doc [[3f2b0c9e-8a41-4c55-9d0e-1b7a2c6f4e10|design doc]]
- Update the roadmap
` + "```" + `
`
