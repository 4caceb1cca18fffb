// Package extract normalizes raw HTML into clean prose suitable for chunking.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Metadata carries document-level fields harvested from the page head.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Author        string `json:"author,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

var (
	reComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	reScript   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	reSVG      = regexp.MustCompile(`(?is)<svg\b[^>]*>.*?</svg>`)
	reNoscript = regexp.MustCompile(`(?is)<noscript\b[^>]*>.*?</noscript>`)
	reIframe   = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe>`)

	// Landmark containers that never carry record content.
	reNav    = regexp.MustCompile(`(?is)<nav\b[^>]*>.*?</nav>`)
	reHeader = regexp.MustCompile(`(?is)<header\b[^>]*>.*?</header>`)
	reFooter = regexp.MustCompile(`(?is)<footer\b[^>]*>.*?</footer>`)
	reAside  = regexp.MustCompile(`(?is)<aside\b[^>]*>.*?</aside>`)

	// Divs/sections whose class or id follows common ad/menu/cookie-banner naming.
	reBoilerplate = regexp.MustCompile(`(?is)<(div|section|ul)\b[^>]*(?:class|id)\s*=\s*["'][^"']*(?:advert|adsense|ad-|-ad\b|menu|cookie|banner|popup|sidebar|breadcrumb|social|share|comment)[^"']*["'][^>]*>.*?</[a-z]+>`)

	reBlockBreak = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dd|dt|article|section|main|figcaption)>|<br\s*/?>|<hr\s*/?>`)
	reTag        = regexp.MustCompile(`(?s)<[^>]+>`)

	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reMeta    = regexp.MustCompile(`(?is)<meta\b[^>]*>`)
	reAttr    = regexp.MustCompile(`(?is)(name|property|content)\s*=\s*("([^"]*)"|'([^']*)')`)
	reImgAlt  = regexp.MustCompile(`(?is)<img\b[^>]*\balt\s*=\s*("([^"]*)"|'([^']*)')[^>]*>`)
	reHSpace  = regexp.MustCompile(`[ \t\r\f]+`)
	reBlank   = regexp.MustCompile(`\n\s*\n\s*\n+`)
	reNumEnt  = regexp.MustCompile(`&#(x?[0-9a-fA-F]+);`)
	reLineTrm = regexp.MustCompile(`(?m)^[ \t]+|[ \t]+$`)
)

var namedEntities = map[string]string{
	"&amp;":    "&",
	"&lt;":     "<",
	"&gt;":     ">",
	"&quot;":   `"`,
	"&apos;":   "'",
	"&nbsp;":   " ",
	"&ndash;":  "–",
	"&mdash;":  "—",
	"&hellip;": "…",
	"&lsquo;":  "‘",
	"&rsquo;":  "’",
	"&ldquo;":  "“",
	"&rdquo;":  "”",
	"&copy;":   "©",
	"&reg;":    "®",
	"&trade;":  "™",
	"&deg;":    "°",
	"&middot;": "·",
	"&bull;":   "•",
	"&times;":  "×",
	"&sect;":   "§",
	"&para;":   "¶",
	"&plusmn;": "±",
	"&micro;":  "µ",
	"&frac12;": "½",
	"&frac14;": "¼",
}

// Extract converts raw HTML into plain text plus harvested metadata.
// It never fails: the worst case is an empty string, which callers treat
// as insufficient content.
func Extract(html string) (string, Metadata) {
	meta := harvestMetadata(html)
	altTexts := harvestAltTexts(html)

	s := reComment.ReplaceAllString(html, "")
	s = reScript.ReplaceAllString(s, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reSVG.ReplaceAllString(s, "")
	s = reNoscript.ReplaceAllString(s, "")
	s = reIframe.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reAside.ReplaceAllString(s, "")
	s = reBoilerplate.ReplaceAllString(s, "")

	// Block closes become line breaks before the remaining tags are
	// stripped, otherwise paragraph and row structure is lost.
	s = reBlockBreak.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, " ")

	s = decodeEntities(s)
	s = normalizeWhitespace(s)

	var signal []string
	if meta.Description != "" {
		signal = append(signal, meta.Description)
	}
	signal = append(signal, altTexts...)
	if len(signal) > 0 {
		prefix := strings.Join(signal, "\n")
		if s == "" {
			s = prefix
		} else {
			s = prefix + "\n\n" + s
		}
	}
	return s, meta
}

func harvestMetadata(html string) Metadata {
	var meta Metadata
	if m := reTitle.FindStringSubmatch(html); m != nil {
		meta.Title = strings.TrimSpace(decodeEntities(reTag.ReplaceAllString(m[1], " ")))
	}
	for _, tag := range reMeta.FindAllString(html, -1) {
		var name, content string
		for _, attr := range reAttr.FindAllStringSubmatch(tag, -1) {
			val := attr[3]
			if val == "" {
				val = attr[4]
			}
			switch strings.ToLower(attr[1]) {
			case "name", "property":
				name = strings.ToLower(val)
			case "content":
				content = val
			}
		}
		if content == "" {
			continue
		}
		content = strings.TrimSpace(decodeEntities(content))
		switch name {
		case "description", "og:description", "twitter:description":
			if meta.Description == "" {
				meta.Description = content
			}
		case "author", "article:author":
			if meta.Author == "" {
				meta.Author = content
			}
		case "article:published_time", "date", "og:published_time":
			if meta.PublishedDate == "" {
				meta.PublishedDate = content
			}
		case "og:title":
			if meta.Title == "" {
				meta.Title = content
			}
		}
	}
	return meta
}

func harvestAltTexts(html string) []string {
	var alts []string
	for _, m := range reImgAlt.FindAllStringSubmatch(html, -1) {
		alt := m[2]
		if alt == "" {
			alt = m[3]
		}
		alt = strings.TrimSpace(decodeEntities(alt))
		if alt != "" {
			alts = append(alts, alt)
		}
	}
	return alts
}

func decodeEntities(s string) string {
	for ent, repl := range namedEntities {
		s = strings.ReplaceAll(s, ent, repl)
	}
	return reNumEnt.ReplaceAllStringFunc(s, func(m string) string {
		body := m[2 : len(m)-1]
		var code int64
		var err error
		if body[0] == 'x' || body[0] == 'X' {
			code, err = strconv.ParseInt(body[1:], 16, 32)
		} else {
			code, err = strconv.ParseInt(body, 10, 32)
		}
		if err != nil || code <= 0 || code > 0x10FFFF {
			return ""
		}
		return string(rune(code))
	})
}

// normalizeWhitespace collapses runs of horizontal whitespace and caps
// consecutive blank lines at one, but never drops single line breaks.
func normalizeWhitespace(s string) string {
	s = reHSpace.ReplaceAllString(s, " ")
	s = reLineTrm.ReplaceAllString(s, "")
	s = reBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
