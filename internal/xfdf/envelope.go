package xfdf

import (
	"bytes"
	"encoding/xml"
	"strings"
)

type envelope struct {
	XMLName xml.Name `xml:"xfdf"`
	Annots  struct {
		Inner string `xml:",innerxml"`
	} `xml:"annots"`
}

// StripEnvelope drops the document wrapper (declaration, <xfdf>, <fields>,
// <annots>) and returns the annotation elements concatenated.
func StripEnvelope(document Document) (Fragment, error) {
	var env envelope
	if err := unmarshal(document, &env); err != nil {
		return "", err
	}
	return Fragment(strings.TrimSpace(env.Annots.Inner)), nil
}

// Wrap is the inverse of StripEnvelope: it produces a full feed document
// around fragments, as used for a complete re-upload.
func Wrap(fragments ...Fragment) Document {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(documentOpen)
	buf.WriteString("<fields/><annots>")
	for _, fragment := range fragments {
		buf.WriteString(string(fragment))
	}
	buf.WriteString("</annots></xfdf>")
	return buf.Bytes()
}

// BuildActionBatch combines additions, modifications and deletions into one
// document. Every section is present even when empty; each deletion is a
// bare <id> element.
func BuildActionBatch(adding, modifying []Fragment, deleting []string) Document {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(documentOpen)

	buf.WriteString("<add>")
	for _, fragment := range adding {
		buf.WriteString(string(fragment))
	}
	buf.WriteString("</add><modify>")
	for _, fragment := range modifying {
		buf.WriteString(string(fragment))
	}
	buf.WriteString("</modify><delete>")
	for _, id := range deleting {
		buf.WriteString("<id>")
		_ = xml.EscapeText(&buf, []byte(id))
		buf.WriteString("</id>")
	}
	buf.WriteString("</delete></xfdf>")
	return buf.Bytes()
}

// InjectReply returns fragment with its inreplyto attribute set to parentID,
// replacing any existing reference. An empty parentID removes the attribute.
func InjectReply(fragment Fragment, parentID string) (Fragment, error) {
	record, err := DecodeFragment(fragment)
	if err != nil {
		return "", err
	}
	record.ReplyTo = parentID
	return Encode(record)
}
