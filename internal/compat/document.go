package compat

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Limetric/dbferry/internal/model"
)

// document renders the Markdown guide stored with the layer. Passwords are
// never written.
func document(plan *model.MigrationPlan, res *model.CompatibilityLayerResult, source, target model.ConnectionConfig, supported bool) string {
	var b strings.Builder
	b.WriteString("# Compatibility layer\n\n")
	fmt.Fprintf(&b, "Generated %s for plan version %d.\n\n", res.GeneratedAt.Format("2006-01-02 15:04:05 UTC"), plan.Version)

	b.WriteString("## Connections\n\n")
	b.WriteString("| Side | Dialect | Connection |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| source | %s | `%s` |\n", source.Dialect, connectionString(source))
	fmt.Fprintf(&b, "| target | %s | `%s` |\n\n", target.Dialect, connectionString(target))

	if !supported {
		fmt.Fprintf(&b, "%s has no views; no compatibility objects were generated.\n", res.Dialect)
		return b.String()
	}

	views, others := 0, 0
	for _, o := range res.Objects {
		if o.Kind == KindView {
			views++
		} else {
			others++
		}
	}
	fmt.Fprintf(&b, "## Views\n\n%s view(s).\n\n", humanize.Comma(int64(views)))
	if views > 0 {
		b.WriteString("| Old name | Reads from |\n|---|---|\n")
		for _, o := range res.Objects {
			if o.Kind == KindView {
				fmt.Fprintf(&b, "| `%s` | `%s` |\n", o.Name, o.Target)
			}
		}
		b.WriteString("\n")
	}

	if others > 0 {
		b.WriteString("## Procedures and triggers\n\n| Kind | Name | Target |\n|---|---|---|\n")
		for _, o := range res.Objects {
			if o.Kind != KindView {
				fmt.Fprintf(&b, "| %s | `%s` | `%s` |\n", o.Kind, o.Name, o.Target)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Usage\n\n")
	b.WriteString("- The views are read-only aliases. Writes must go to the new tables.\n")
	b.WriteString("- Columns keep their old names through `AS` aliases; derived columns are not exposed.\n")
	b.WriteString("- Drop a view once nothing reads the old name any more.\n")
	if len(plan.Warnings) > 0 {
		b.WriteString("\n## Plan warnings\n\n")
		for _, w := range plan.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

func connectionString(cfg model.ConnectionConfig) string {
	uri, err := cfg.Redacted().URI()
	if err != nil {
		return string(cfg.Dialect)
	}
	return uri
}
