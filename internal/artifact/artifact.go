package artifact

import (
	"mime"
	"path/filepath"
	"strings"
)

// Outcome represents the upload outcome of an artifact as a string.
type Outcome string

const (
	// OutcomePending indicates that the artifact hasn't been uploaded yet.
	OutcomePending Outcome = "pending"
	// OutcomeUploaded indicates that the artifact has been uploaded.
	OutcomeUploaded Outcome = "uploaded"
	// OutcomeFailed indicates that the artifact upload has failed.
	OutcomeFailed Outcome = "failed"
)

var outcomes = map[Outcome]struct{}{
	OutcomePending:  {},
	OutcomeUploaded: {},
	OutcomeFailed:   {},
}

// OutcomeFromString converts a string to an Outcome type and checks if it is a known outcome.
func OutcomeFromString(s string) (outcome Outcome, known bool) {
	outcome = Outcome(s)
	_, known = outcomes[outcome]
	return outcome, known
}

// Artifact is one discovered build output file.
//
// It is mutated only by the upload worker it is assigned to.
type Artifact struct {
	Path        string // absolute
	Key         string // relative to the build output directory
	ContentType string

	Outcome Outcome
	Err     error // set when Outcome is OutcomeFailed
}

// New creates a pending Artifact for the file at path inside root.
func New(root, path string) *Artifact {
	return &Artifact{
		Path:        path,
		Key:         Key(root, path),
		ContentType: ContentType(path),
		Outcome:     OutcomePending,
	}
}

// Key derives the project-relative key of the file at path by stripping the
// root prefix. If path isn't inside root, the full path is returned.
func Key(root, path string) string {
	root = strings.TrimSuffix(filepath.ToSlash(root), "/")
	p := filepath.ToSlash(path)

	rel, found := strings.CutPrefix(p, root+"/")
	if !found || rel == "" {
		return p
	}
	return rel
}

// DefaultContentType is used when the extension isn't known.
const DefaultContentType = "application/octet-stream"

// ContentType infers the content type of the named file from its extension.
func ContentType(name string) string {
	t := mime.TypeByExtension(filepath.Ext(name))
	if t == "" {
		return DefaultContentType
	}
	return t
}
