package wire

import (
	"errors"
	"strings"
)

// ErrUnknownDocID is returned when a doc ID doesn't match the "workspace:"
// or "body:{workspace}/{path}" wire forms.
var ErrUnknownDocID = errors.New("wire: unrecognized doc id")

// DocKind distinguishes the two logical document kinds carried on the wire.
type DocKind int

const (
	KindWorkspace DocKind = iota
	KindBody
)

const (
	workspacePrefix = "workspace:"
	bodyPrefix      = "body:"
)

// DocID is the parsed form of a canonical wire doc ID: "workspace:{id}" or
// "body:{workspace}/{path}". Body IDs split on the first slash after the
// prefix — everything after belongs to the file path, which may itself
// contain slashes.
type DocID struct {
	Kind        DocKind
	WorkspaceID string
	FilePath    string // only set for KindBody
}

// ParseDocID parses a canonical wire doc ID.
func ParseDocID(id string) (DocID, error) {
	if rest, ok := strings.CutPrefix(id, workspacePrefix); ok {
		return DocID{Kind: KindWorkspace, WorkspaceID: rest}, nil
	}
	if rest, ok := strings.CutPrefix(id, bodyPrefix); ok {
		ws, path, found := strings.Cut(rest, "/")
		if !found {
			return DocID{}, ErrUnknownDocID
		}
		return DocID{Kind: KindBody, WorkspaceID: ws, FilePath: path}, nil
	}
	return DocID{}, ErrUnknownDocID
}

// WorkspaceDocID builds the canonical wire ID for a workspace document.
func WorkspaceDocID(workspaceID string) string {
	return workspacePrefix + workspaceID
}

// BodyDocID builds the canonical wire ID for a body document.
func BodyDocID(workspaceID, filePath string) string {
	return bodyPrefix + workspaceID + "/" + filePath
}

// String renders the DocID back to its canonical wire form.
func (d DocID) String() string {
	if d.Kind == KindWorkspace {
		return WorkspaceDocID(d.WorkspaceID)
	}
	return BodyDocID(d.WorkspaceID, d.FilePath)
}
