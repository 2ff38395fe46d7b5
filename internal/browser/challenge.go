package browser

import (
	"strings"

	"golang.org/x/net/html"
)

const challengeURL = "https://challenges.cloudflare.com"

// hasChallenge reports whether the loaded document references the anti-automation
// challenge host anywhere, markup or inline text alike.
func hasChallenge(content string) bool {
	return strings.Contains(content, challengeURL)
}

// challengeSource names the element that pulls in the challenge, such as
// "iframe[src]", for logging. References found only in text or other attributes
// report "inline".
func challengeSource(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "inline"
	}
	if src := findChallenge(doc); src != "" {
		return src
	}
	return "inline"
}

func findChallenge(n *html.Node) string {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "iframe", "form", "link":
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src", "action", "href":
					if strings.Contains(attr.Val, challengeURL) {
						return n.Data + "[" + attr.Key + "]"
					}
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if src := findChallenge(c); src != "" {
			return src
		}
	}
	return ""
}
