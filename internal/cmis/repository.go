package cmis

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// uriTemplateObjectByPath is the URI template type for path lookups.
const uriTemplateObjectByPath = "objectbypath"

// RepositoryInfo is the descriptive metadata of a connected repository.
type RepositoryInfo struct {
	ID                  string
	Name                string
	RootFolderID        string
	ProductName         string
	ProductVersion      string
	ChangeLogCapability ChangeCapability
}

// Repository is a connected CMIS repository session. It is owned by the
// sync worker that created it and is not safe for concurrent use across
// workers.
type Repository struct {
	Info RepositoryInfo

	client    *Client
	templates map[string]string
}

// newRepository builds a Repository from a service-document workspace.
func newRepository(c *Client, ws *workspace) *Repository {
	templates := make(map[string]string, len(ws.URITemplates))
	for _, t := range ws.URITemplates {
		templates[strings.ToLower(t.Type)] = t.Template
	}

	capability := ChangeCapability(strings.ToLower(ws.RepositoryInfo.Capabilities.Changes))
	if capability == "" {
		capability = ChangeCapabilityNone
	}

	return &Repository{
		Info: RepositoryInfo{
			ID:                  ws.RepositoryInfo.RepositoryID,
			Name:                ws.RepositoryInfo.RepositoryName,
			RootFolderID:        ws.RepositoryInfo.RootFolderID,
			ProductName:         ws.RepositoryInfo.ProductName,
			ProductVersion:      ws.RepositoryInfo.ProductVersion,
			ChangeLogCapability: capability,
		},
		client:    c,
		templates: templates,
	}
}

// GetFolderByPath resolves a repository path (e.g. "/Sites/docs") to a
// Folder via the objectbypath URI template.
func (r *Repository) GetFolderByPath(ctx context.Context, path string) (*Folder, error) {
	tmpl, ok := r.templates[uriTemplateObjectByPath]
	if !ok {
		return nil, fmt.Errorf("cmis: repository %s advertises no objectbypath URI template", r.Info.ID)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	lookupURL := expandTemplate(tmpl, map[string]string{"path": path})

	resp, err := r.client.do(ctx, http.MethodGet, lookupURL, nil, "")
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", path, err)
	}
	defer resp.Body.Close()

	var entry atomEntry
	if err := xml.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("parsing entry for path %q: %w", path, err)
	}

	obj := object{client: r.client, entry: entry}
	if obj.baseType() != baseTypeFolder {
		return nil, fmt.Errorf("cmis: object at %q is not a folder", path)
	}

	return &Folder{object: obj}, nil
}

// templatePlaceholder matches one {variable} in a URI template.
var templatePlaceholder = regexp.MustCompile(`\{([^}]+)\}`)

// expandTemplate substitutes the given variables into a CMIS URI template,
// query-escaping the values. Unbound placeholders collapse to the empty
// string, which servers accept as "parameter not given".
func expandTemplate(tmpl string, vars map[string]string) string {
	return templatePlaceholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]

		value, ok := vars[name]
		if !ok {
			return ""
		}

		return url.QueryEscape(value)
	})
}
