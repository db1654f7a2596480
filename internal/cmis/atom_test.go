package cmis

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The create bodies must round-trip through the same parser the client uses
// for responses.
func TestFolderEntry_ParsesBack(t *testing.T) {
	data, err := io.ReadAll(folderEntry("reports & stats"))
	require.NoError(t, err)

	var entry atomEntry

	require.NoError(t, xml.Unmarshal(data, &entry))
	assert.Equal(t, "reports & stats", entry.Object.Properties.value(propName))
	assert.Equal(t, baseTypeFolder, entry.Object.Properties.value("cmis:objectTypeId"))
}

func TestDocumentEntry_ParsesBack(t *testing.T) {
	content := "hello <world> & friends"

	data, err := io.ReadAll(documentEntry("a<b>.txt", "text/plain", strings.NewReader(content)))
	require.NoError(t, err)

	var entry struct {
		Object  cmisObject `xml:"object"`
		Content struct {
			MediaType string `xml:"mediatype"`
			Base64    string `xml:"base64"`
		} `xml:"content"`
	}

	require.NoError(t, xml.Unmarshal(data, &entry))
	assert.Equal(t, "a<b>.txt", entry.Object.Properties.value(propName))
	assert.Equal(t, baseTypeDocument, entry.Object.Properties.value("cmis:objectTypeId"))
	assert.Equal(t, "text/plain", entry.Content.MediaType)

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(entry.Content.Base64))
	require.NoError(t, err)
	assert.Equal(t, content, string(decoded))
}
