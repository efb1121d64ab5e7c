package guard

import (
	"fmt"
	"strings"
)

const maxFeedbackLines = 100

// BuildPrompt renders the generation prompt. With no previous record it
// carries the task alone; otherwise it feeds back the previous candidate and
// its check results.
func BuildPrompt(task Task, prev *IterationRecord, snapshot string) string {
	lang := task.Language
	if lang == "" {
		lang = "python"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nLanguage: %s\n\n", task.Name, lang)
	if task.Description != "" {
		fmt.Fprintf(&b, "Specification:\n%s\n\n", strings.TrimSpace(task.Description))
	}
	if prev == nil {
		if snapshot != "" {
			fmt.Fprintf(&b, "Relevant code:\n```%s\n%s\n```\n\n", lang, strings.TrimRight(snapshot, "\n"))
		}
		b.WriteString(answerFormat(task))
		return b.String()
	}

	b.WriteString("Your previous answer did not pass the checks.\n")
	if prev.Candidate != "" {
		fmt.Fprintf(&b, "Previous answer:\n```%s\n%s\n```\n\n", lang, strings.TrimRight(prev.Candidate, "\n"))
	}
	c := prev.Checks
	fmt.Fprintf(&b, "Test output (%d of %d failed):\n%s\n\n", c.TestsFailed, c.TotalTests, tail(c.TestsOutput, maxFeedbackLines))
	b.WriteString("Linter errors:\n")
	writeList(&b, c.LinterErrors)
	b.WriteString("Security violations:\n")
	writeList(&b, c.SecurityViolations)
	if c.SecurityScanFailed {
		b.WriteString("The security scanner could not parse the code. Make sure it is syntactically valid.\n\n")
	}
	if snapshot != "" {
		fmt.Fprintf(&b, "Current code:\n```%s\n%s\n```\n\n", lang, strings.TrimRight(snapshot, "\n"))
	}
	b.WriteString("Repair the code. Fix the failing tests and every security violation.\n")
	b.WriteString(answerFormat(task))
	return b.String()
}

func answerFormat(task Task) string {
	if task.SolutionFile != "" {
		return fmt.Sprintf("Return ONLY the complete contents of %s.\n", task.SolutionFile)
	}
	return "Return ONLY the patch, either as a unified diff (git apply compatible) or as file blocks:\n" +
		"file: path/to/file\n<full new contents>\n"
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("(none)\n\n")
		return
	}
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

// tail keeps the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("... (%d lines omitted)\n", len(lines)-n) + strings.Join(lines[len(lines)-n:], "\n")
}
