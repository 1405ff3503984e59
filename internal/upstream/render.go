package upstream

import (
	"fmt"
	"strings"

	"github.com/portel-dev/ncp/internal/finder"
)

// renderFindResult formats a finder.Result as the single text content part
// returned from a find() tools/call. Listing mode lists tools in the order
// finder already sorted them, without a confidence percentage. Search mode
// appends "(NN% match)" per entry, reflecting how close a hit scored.
func renderFindResult(res finder.Result, indexingInProgress bool) string {
	var b strings.Builder

	if indexingInProgress {
		b.WriteString("(indexing in progress, results may be incomplete)\n\n")
	}

	if len(res.Entries) == 0 {
		if res.Searched {
			b.WriteString("No tools matched.")
		} else {
			b.WriteString("No tools are indexed yet.")
		}
		return b.String()
	}

	for i, e := range res.Entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s:%s", e.MCPName, e.LocalName)
		if res.Searched {
			fmt.Fprintf(&b, " (%d%% match)", int(e.Confidence*100))
		}
		if e.Description != "" {
			fmt.Fprintf(&b, " - %s", e.Description)
		}
		if len(e.InputSchema) > 0 {
			fmt.Fprintf(&b, "\n  inputSchema: %s", string(e.InputSchema))
		}
	}

	return b.String()
}
