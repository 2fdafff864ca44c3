package parser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title>  Go   Concurrency
  Patterns </title>
  <style>body { color: red; }</style>
  <script>var tracking = "ignore me";</script>
</head>
<body>
  <h1>Pipelines</h1><p>Go makes it easy to construct streaming data pipelines that make efficient use of I/O and multiple CPUs.</p>
  <noscript>enable javascript</noscript>
  <a href="/blog/pipelines#intro">relative</a>
  <a href="https://other.example.org/page">absolute</a>
  <a href="/blog/pipelines">duplicate after fragment strip</a>
  <a href="mailto:someone@example.com">mail</a>
  <a href="javascript:void(0)">js</a>
  <a href="#top">anchor</a>
  <a href="">empty</a>
</body>
</html>`

func TestParseExtractsTitleTextAndLinks(t *testing.T) {
	t.Parallel()

	page, err := New().Parse("https://example.com/articles/", []byte(samplePage))
	require.NoError(t, err)

	require.Equal(t, "Go Concurrency Patterns", page.Title)
	require.True(t, strings.HasPrefix(page.Text, "Pipelines Go makes it easy"), page.Text)
	require.NotContains(t, page.Text, "tracking")
	require.NotContains(t, page.Text, "color: red")
	require.NotContains(t, page.Text, "enable javascript")
	require.NotContains(t, page.Text, "  ")
	require.Equal(t, []string{
		"https://example.com/blog/pipelines",
		"https://other.example.org/page",
	}, page.Links)
	require.Equal(t, "en", page.Lang)
}

func TestParseHonorsBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.example.com/docs/"></head>
<body><a href="guide.html">guide</a></body></html>`
	page, err := New().Parse("https://example.com/", []byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.example.com/docs/guide.html"}, page.Links)
}

func TestParseTruncatesTitle(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", MaxTitleRunes+50)
	page, err := New().Parse("https://example.com/", []byte("<title>"+long+"</title><p>x</p>"))
	require.NoError(t, err)
	require.Equal(t, MaxTitleRunes, utf8.RuneCountInString(page.Title))
}

func TestParseEmptyBody(t *testing.T) {
	t.Parallel()

	page, err := New().Parse("https://example.com/", []byte("<html><head><title>Only title</title></head><body>  </body></html>"))
	require.NoError(t, err)
	require.Equal(t, "Only title", page.Title)
	require.Empty(t, page.Text)
	require.Empty(t, page.Links)
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", DetectLanguage("   "))
	require.Equal(t, "fr", DetectLanguage("Bonjour tout le monde, ceci est un texte écrit en français pour tester la détection de la langue."))
	require.Equal(t, "de", DetectLanguage("Dies ist ein deutscher Text, der lang genug ist, um die Sprache zuverlässig zu erkennen."))
}
