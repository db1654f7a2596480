package cmis

import (
	"strings"
	"time"
)

// CMIS property definition IDs the client reads.
const (
	propName                  = "cmis:name"
	propObjectID              = "cmis:objectId"
	propBaseTypeID            = "cmis:baseTypeId"
	propPath                  = "cmis:path"
	propLastModificationDate  = "cmis:lastModificationDate"
	propLastModifiedBy        = "cmis:lastModifiedBy"
	propContentStreamFileName = "cmis:contentStreamFileName"
)

// CMIS base type IDs.
const (
	baseTypeFolder   = "cmis:folder"
	baseTypeDocument = "cmis:document"
)

// Atom link relations.
const (
	relSelf       = "self"
	relDown       = "down"
	relEditMedia  = "edit-media"
	relFolderTree = "http://docs.oasis-open.org/ns/cmis/link/200908/foldertree"
)

// ChangeCapability is the repository's change-log support level.
type ChangeCapability string

// Change-log capability levels defined by the CMIS specification.
const (
	ChangeCapabilityNone          ChangeCapability = "none"
	ChangeCapabilityObjectIDsOnly ChangeCapability = "objectidsonly"
	ChangeCapabilityProperties    ChangeCapability = "properties"
	ChangeCapabilityAll           ChangeCapability = "all"
)

// SupportsChangeFeed reports whether the capability level permits the
// incremental change-feed path.
func (c ChangeCapability) SupportsChangeFeed() bool {
	return c == ChangeCapabilityAll || c == ChangeCapabilityObjectIDsOnly
}

// --- Wire types ---
//
// encoding/xml matches elements by local name when the tag carries no
// namespace; AtomPub responses mix the Atom, CMIS core, and CMIS RestAtom
// namespaces, and the local names below are unambiguous across them.

// serviceDoc is the AtomPub service document.
type serviceDoc struct {
	Workspaces []workspace `xml:"workspace"`
}

// workspace describes one repository in the service document.
type workspace struct {
	Title          string            `xml:"title"`
	RepositoryInfo repositoryInfoXML `xml:"repositoryInfo"`
	Collections    []collection      `xml:"collection"`
	URITemplates   []uriTemplate     `xml:"uritemplate"`
}

type repositoryInfoXML struct {
	RepositoryID   string       `xml:"repositoryId"`
	RepositoryName string       `xml:"repositoryName"`
	RootFolderID   string       `xml:"rootFolderId"`
	ProductName    string       `xml:"productName"`
	ProductVersion string       `xml:"productVersion"`
	Capabilities   capabilities `xml:"capabilities"`
}

type capabilities struct {
	Changes string `xml:"capabilityChanges"`
}

type collection struct {
	Href           string `xml:"href,attr"`
	CollectionType string `xml:"collectionType"`
}

type uriTemplate struct {
	Template  string `xml:"template"`
	Type      string `xml:"type"`
	MediaType string `xml:"mediatype"`
}

// atomFeed is a children feed.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

// atomEntry is one object entry.
type atomEntry struct {
	Title   string      `xml:"title"`
	Links   []atomLink  `xml:"link"`
	Content atomContent `xml:"content"`
	Object  cmisObject  `xml:"object"`
}

type atomContent struct {
	Src string `xml:"src,attr"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
	Href string `xml:"href,attr"`
}

type cmisObject struct {
	Properties cmisProperties `xml:"properties"`
}

type cmisProperties struct {
	Strings   []cmisProperty `xml:"propertyString"`
	IDs       []cmisProperty `xml:"propertyId"`
	DateTimes []cmisProperty `xml:"propertyDateTime"`
}

type cmisProperty struct {
	DefinitionID string   `xml:"propertyDefinitionId,attr"`
	Values       []string `xml:"value"`
}

// value returns the first value of the property with the given definition
// ID, searching all property kinds. Empty string when absent.
func (p *cmisProperties) value(definitionID string) string {
	for _, group := range [][]cmisProperty{p.Strings, p.IDs, p.DateTimes} {
		for i := range group {
			if group[i].DefinitionID == definitionID && len(group[i].Values) > 0 {
				return group[i].Values[0]
			}
		}
	}

	return ""
}

// link returns the href of the first link with the given relation, optionally
// narrowed by media type (empty wantType matches any).
func (e *atomEntry) link(rel, wantType string) string {
	for i := range e.Links {
		if e.Links[i].Rel != rel {
			continue
		}

		if wantType != "" && !strings.HasPrefix(e.Links[i].Type, wantType) {
			continue
		}

		return e.Links[i].Href
	}

	return ""
}

// modTime parses the entry's cmis:lastModificationDate. Nil when absent or
// malformed — the engine treats a missing server timestamp as "unknown".
func (e *atomEntry) modTime() *time.Time {
	raw := e.Object.Properties.value(propLastModificationDate)
	if raw == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}

	return &t
}
