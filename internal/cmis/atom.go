package cmis

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
)

// Atom entry construction for create requests. The entry bodies mix three
// namespaces with mandatory prefixes, which encoding/xml cannot emit
// directly, so the envelopes are assembled as text with property values
// escaped through xml.EscapeText.

const entryHeader = `<?xml version="1.0" encoding="UTF-8"?>
<entry xmlns="http://www.w3.org/2005/Atom"
       xmlns:cmis="http://docs.oasis-open.org/ns/cmis/core/200908/"
       xmlns:cmisra="http://docs.oasis-open.org/ns/cmis/restatom/200908/">
`

// folderEntry builds the request body creating a folder with object type
// cmis:folder.
func folderEntry(name string) io.Reader {
	var buf bytes.Buffer

	buf.WriteString(entryHeader)
	buf.WriteString("<title>")
	writeEscaped(&buf, name)
	buf.WriteString("</title>\n")
	writeProperties(&buf, name, baseTypeFolder)
	buf.WriteString("</entry>\n")

	return &buf
}

// documentEntry builds the request body creating a document with object
// type cmis:document, streaming content base64-encoded through a pipe so
// arbitrarily large files never materialize in memory.
func documentEntry(name, mimeType string, content io.Reader) io.Reader {
	var head bytes.Buffer

	head.WriteString(entryHeader)
	head.WriteString("<title>")
	writeEscaped(&head, name)
	head.WriteString("</title>\n")
	head.WriteString("<cmisra:content>\n<cmisra:mediatype>")
	writeEscaped(&head, mimeType)
	head.WriteString("</cmisra:mediatype>\n<cmisra:base64>")

	var tail bytes.Buffer

	tail.WriteString("</cmisra:base64>\n</cmisra:content>\n")
	writeProperties(&tail, name, baseTypeDocument)
	tail.WriteString("</entry>\n")

	pr, pw := io.Pipe()

	go func() {
		enc := base64.NewEncoder(base64.StdEncoding, pw)

		_, err := io.Copy(enc, content)
		if closeErr := enc.Close(); err == nil {
			err = closeErr
		}

		pw.CloseWithError(err)
	}()

	return io.MultiReader(&head, pr, &tail)
}

// writeProperties emits the cmisra:object envelope with the object type and
// name properties every create request carries.
func writeProperties(buf *bytes.Buffer, name, objectTypeID string) {
	buf.WriteString("<cmisra:object>\n<cmis:properties>\n")
	buf.WriteString(`<cmis:propertyId propertyDefinitionId="cmis:objectTypeId"><cmis:value>`)
	writeEscaped(buf, objectTypeID)
	buf.WriteString("</cmis:value></cmis:propertyId>\n")
	buf.WriteString(`<cmis:propertyString propertyDefinitionId="cmis:name"><cmis:value>`)
	writeEscaped(buf, name)
	buf.WriteString("</cmis:value></cmis:propertyString>\n")
	buf.WriteString("</cmis:properties>\n</cmisra:object>\n")
}

// writeEscaped writes s with XML special characters escaped.
func writeEscaped(buf *bytes.Buffer, s string) {
	// EscapeText only fails on writer errors; bytes.Buffer never errors.
	_ = xml.EscapeText(buf, []byte(s))
}
