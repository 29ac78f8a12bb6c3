package rendering

import (
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxTitleLength caps the page title copied into the report
const maxTitleLength = 200

// ReadPageTitle returns the <title> of the HTML page at path, or "" when the
// page cannot be read or has no title.
func ReadPageTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return ""
	}
	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}
