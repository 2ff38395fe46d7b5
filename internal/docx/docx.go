// Package docx renders plain text as a minimal Office Open XML word document.
package docx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	// FileName is the name the upstream sees for every uploaded document.
	FileName = "messages.docx"
	// MIMEType is the content type of a .docx file.
	MIMEType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

const (
	nsPackageRels  = "http://schemas.openxmlformats.org/package/2006/relationships"
	nsContentTypes = "http://schemas.openxmlformats.org/package/2006/content-types"
	nsWordML       = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	relOfficeDoc   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument"
	mainDocMIME    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	relsMIME       = "application/vnd.openxmlformats-package.relationships+xml"
)

// epoch is stamped on every zip entry so equal input yields equal bytes.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type part struct {
	name string
	doc  *etree.Document
}

// Encode returns the bytes of a .docx whose body holds text, one paragraph per line.
func Encode(text string) ([]byte, error) {
	parts := []part{
		{"[Content_Types].xml", contentTypes()},
		{"_rels/.rels", packageRels()},
		{"word/document.xml", document(text)},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range parts {
		hdr := &zip.FileHeader{Name: p.name, Method: zip.Deflate, Modified: epoch}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", p.name, err)
		}
		if _, err := p.doc.WriteTo(w); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize docx archive: %w", err)
	}
	return buf.Bytes(), nil
}

func newDoc() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
	return doc
}

func contentTypes() *etree.Document {
	doc := newDoc()
	types := doc.CreateElement("Types")
	types.CreateAttr("xmlns", nsContentTypes)

	def := types.CreateElement("Default")
	def.CreateAttr("Extension", "rels")
	def.CreateAttr("ContentType", relsMIME)

	def = types.CreateElement("Default")
	def.CreateAttr("Extension", "xml")
	def.CreateAttr("ContentType", "application/xml")

	override := types.CreateElement("Override")
	override.CreateAttr("PartName", "/word/document.xml")
	override.CreateAttr("ContentType", mainDocMIME)
	return doc
}

func packageRels() *etree.Document {
	doc := newDoc()
	rels := doc.CreateElement("Relationships")
	rels.CreateAttr("xmlns", nsPackageRels)

	rel := rels.CreateElement("Relationship")
	rel.CreateAttr("Id", "rId1")
	rel.CreateAttr("Type", relOfficeDoc)
	rel.CreateAttr("Target", "word/document.xml")
	return doc
}

func document(text string) *etree.Document {
	doc := newDoc()
	root := doc.CreateElement("w:document")
	root.CreateAttr("xmlns:w", nsWordML)
	body := root.CreateElement("w:body")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		p := body.CreateElement("w:p")
		if line == "" {
			continue
		}
		t := p.CreateElement("w:r").CreateElement("w:t")
		t.CreateAttr("xml:space", "preserve")
		t.SetText(line)
	}
	return doc
}
