package htmlutil

import (
	"strings"

	"github.com/k3a/html2text"
)

// errorPageMarkers identify HTML or XML documents served in place of JSON.
var errorPageMarkers = []string{
	"<!doctype html",
	`<string xmlns="http://schemas.m`,
	"<html xmlns=",
}

// ToText converts HTML to plain text using a proper HTML parser.
// Handles entities, strips tags, and preserves readable text.
func ToText(s string) string {
	return html2text.HTML2Text(s)
}

// IsErrorPage reports whether the start of body looks like an HTML or XML
// error document.
func IsErrorPage(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(string(head))
	for _, m := range errorPageMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Summary returns the page text with whitespace collapsed, cut to max bytes.
func Summary(body []byte, max int) string {
	text := strings.Join(strings.Fields(ToText(string(body))), " ")
	if max > 0 && len(text) > max {
		text = text[:max]
	}
	return text
}
