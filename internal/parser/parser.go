// Package parser turns fetched HTML into a title, visible text, a language
// tag and outbound links.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	"golang.org/x/net/html"

	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
)

const (
	// MaxTitleRunes bounds the stored title length.
	MaxTitleRunes = 500
	// LangSampleRunes is how much text feeds language detection.
	LangSampleRunes = 1000
)

// HTMLParser implements crawler.Parser with goquery.
type HTMLParser struct{}

var _ crawler.Parser = HTMLParser{}

// New returns an HTMLParser.
func New() HTMLParser {
	return HTMLParser{}
}

// Parse extracts the page title, whitespace-normalized visible text, a
// best-effort ISO 639-1 language and the absolute http(s) links on the page.
func (HTMLParser) Parse(baseURL string, body []byte) (crawler.ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.ParsedPage{}, fmt.Errorf("parse html: %w", err)
	}

	page := crawler.ParsedPage{
		Title: truncateRunes(collapse(doc.Find("title").First().Text()), MaxTitleRunes),
	}
	page.Links = extractLinks(doc, baseURL)

	doc.Find("script, style, noscript, template").Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	page.Text = visibleText(root)
	page.Lang = DetectLanguage(page.Title + " " + page.Text)
	return page, nil
}

// DetectLanguage returns the ISO 639-1 code for text, or "" when it cannot
// be determined.
func DetectLanguage(text string) string {
	sample := strings.TrimSpace(truncateRunes(text, LangSampleRunes))
	if sample == "" {
		return ""
	}
	info := whatlanggo.Detect(sample)
	if info.Lang < 0 {
		return ""
	}
	return info.Lang.Iso6391()
}

func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") || resolved.Host == "" {
			return
		}
		resolved.Fragment = ""
		resolved.RawFragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// visibleText joins every text node under sel with single spaces so adjacent
// block elements do not run together.
func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
