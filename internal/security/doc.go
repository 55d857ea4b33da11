// Package security validates filesystem paths before ingestion reads them.
//
// The ingest walker follows user-supplied roots, and everything it hands to
// the pipeline goes through a [Path] validator first. The validator defends
// against path traversal (CWE-22): it normalizes the path, confirms it sits
// under an allowed root, and resolves symlinks so a link inside an allowed
// tree cannot smuggle in a target outside it.
//
// Roots come in two lists. Allowed roots extend the implicit working
// directory; denied roots carve subtrees back out and win over allows, so a
// secrets directory inside an ingest root stays unreadable:
//
//	v, err := security.NewPath([]string{dataDir}, []string{filepath.Join(dataDir, "secrets")})
//	...
//	abs, err := v.Validate(candidate)
//
// Rejection errors never echo the offending path, so they are safe to log
// and to return to callers.
package security
