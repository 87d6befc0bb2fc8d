// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package format

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var blockTags = []string{"p", "h1", "h2", "h3", "h4", "h5", "h6", "ol", "ul", "pre", "blockquote", "div", "hr"}

func isBlockTag(tag string) bool {
	for _, blockTag := range blockTags {
		if tag == blockTag {
			return true
		}
	}
	return false
}

func getAttribute(node *html.Node, attribute string) string {
	for _, attr := range node.Attr {
		if attr.Key == attribute {
			return attr.Val
		}
	}
	return ""
}

type taggedString struct {
	str string
	tag string
}

type textConverter struct {
	preserveWhitespace bool
}

func (tc textConverter) listToString(node *html.Node) string {
	ordered := node.Data == "ol"
	counter := 1
	if start, err := strconv.Atoi(getAttribute(node, "start")); err == nil {
		counter = start
	}
	var children []string
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.Data != "li" {
			continue
		}
		prefix := "* "
		if ordered {
			prefix = fmt.Sprintf("%d. ", counter)
			counter++
		}
		text := tc.nodeToTagAwareString(child.FirstChild)
		indent := strings.Repeat(" ", len(prefix))
		children = append(children, prefix+strings.ReplaceAll(text, "\n", "\n"+indent))
	}
	return strings.Join(children, "\n")
}

func (tc textConverter) linkToString(node *html.Node) string {
	str := tc.nodeToTagAwareString(node.FirstChild)
	href := getAttribute(node, "href")
	switch {
	case len(href) == 0, str == href:
		return str
	case strings.HasPrefix(href, "https://matrix.to/#/@"):
		// User mentions only show the name
		return str
	default:
		return fmt.Sprintf("%s (%s)", str, href)
	}
}

func (tc textConverter) tagToString(node *html.Node) string {
	switch node.Data {
	case "ol", "ul":
		return tc.listToString(node)
	case "h1", "h2", "h3", "h4", "h5", "h6":
		length := int(node.Data[1] - '0')
		return strings.Repeat("#", length) + " " + tc.nodeToString(node.FirstChild)
	case "blockquote":
		lines := strings.Split(tc.nodeToTagAwareString(node.FirstChild), "\n")
		for i, line := range lines {
			lines[i] = "> " + line
		}
		return strings.Join(lines, "\n")
	case "br":
		return "\n"
	case "hr":
		return "\n---\n"
	case "a":
		return tc.linkToString(node)
	case "pre":
		tc.preserveWhitespace = true
		if node.FirstChild != nil && node.FirstChild.Type == html.ElementNode && node.FirstChild.Data == "code" {
			return tc.nodeToString(node.FirstChild.FirstChild)
		}
		return tc.nodeToString(node.FirstChild)
	default:
		return tc.nodeToTagAwareString(node.FirstChild)
	}
}

func (tc textConverter) singleNodeToString(node *html.Node) taggedString {
	switch node.Type {
	case html.TextNode:
		if !tc.preserveWhitespace {
			return taggedString{strings.ReplaceAll(node.Data, "\n", ""), "text"}
		}
		return taggedString{node.Data, "text"}
	case html.ElementNode:
		return taggedString{tc.tagToString(node), node.Data}
	case html.DocumentNode:
		return taggedString{tc.nodeToTagAwareString(node.FirstChild), "html"}
	default:
		return taggedString{"", "unknown"}
	}
}

func (tc textConverter) nodeToTagAwareString(node *html.Node) string {
	var output strings.Builder
	for ; node != nil; node = node.NextSibling {
		tstr := tc.singleNodeToString(node)
		if isBlockTag(tstr.tag) {
			output.WriteString("\n" + tstr.str + "\n")
		} else {
			output.WriteString(tstr.str)
		}
	}
	return strings.TrimSpace(output.String())
}

func (tc textConverter) nodeToString(node *html.Node) string {
	var output strings.Builder
	for ; node != nil; node = node.NextSibling {
		output.WriteString(tc.singleNodeToString(node).str)
	}
	return output.String()
}

// HTMLToText converts Matrix HTML into plain text.
func HTMLToText(htmlData string) string {
	htmlData = strings.ReplaceAll(htmlData, "\t", "    ")
	node, err := html.Parse(strings.NewReader(htmlData))
	if err != nil {
		return htmlData
	}
	return textConverter{}.nodeToTagAwareString(node)
}
