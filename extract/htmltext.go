package extract

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlPolicy  = bluemonday.UGCPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// NormalizeHTML converts a work-item HTML description to markdown for
// prompting. The input is sanitized first; tracker descriptions are
// user-authored HTML. If conversion fails or produces empty output, the
// sanitized text is returned as-is.
func NormalizeHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return s
	}
	clean := htmlPolicy.Sanitize(s)
	result, err := mdConverter.ConvertString(clean)
	if err != nil || strings.TrimSpace(result) == "" {
		return strings.TrimSpace(clean)
	}
	return strings.TrimSpace(result)
}
