package transform

import "strings"

// collapsedQuoteMarker replaces any run of deeply quoted lines.
const collapsedQuoteMarker = "[Quoted text collapsed]"

// collapseDepth is the quote depth at which lines stop carrying signal for
// retrieval and get collapsed.
const collapseDepth = 3

// collapseQuotes keeps quote levels 1 and 2 and replaces each run of lines
// quoted three or more levels deep with a single marker line.
func collapseQuotes(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))

	inDeepRun := false
	for _, line := range lines {
		if quoteDepth(line) >= collapseDepth {
			if !inDeepRun {
				out = append(out, collapsedQuoteMarker)
				inDeepRun = true
			}
			continue
		}
		inDeepRun = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// quoteDepth counts leading '>' markers, tolerating the "> > >" style some
// clients produce.
func quoteDepth(line string) int {
	depth := 0
	for _, r := range line {
		switch r {
		case '>':
			depth++
		case ' ', '\t':
			// spacing between markers
		default:
			return depth
		}
	}
	return depth
}
