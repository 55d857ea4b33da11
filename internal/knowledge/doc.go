// Package knowledge turns documents into index entries.
//
// The pipeline is the write path of the service: chunk a document, embed
// the chunks, then commit them to the vector index, superseding any earlier
// version of the same source URI. Each document in a batch succeeds or
// fails on its own; the [Report] carries per-document outcomes.
//
// Document identity is deterministic: the same source URI always maps to
// the same document ID, so re-ingesting a file replaces its chunks instead
// of duplicating them.
//
//	in := knowledge.Input{SourceURI: "/docs/guide.md", RawText: text}
//	report := pipeline.Ingest(ctx, in)
//	if err := report.Err(); err != nil { ... }
//
// [Walker] feeds the pipeline from the filesystem: it collects supported
// files under a root, honoring .gitignore, a size cap, and the caller's
// path validation policy.
package knowledge
