package workflow

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// VetSummary holds parsed go vet results.
type VetSummary struct {
	Issues []VetIssue
	// Other holds stderr lines that were not diagnostics, such as
	// type-checking failures reported without a position.
	Other []string
}

// VetIssue holds a single go vet diagnostic.
type VetIssue struct {
	Package string
	File    string
	Line    int
	Column  int
	Message string
}

func (s *VetSummary) String() string {
	var b strings.Builder
	if len(s.Issues) == 0 && len(s.Other) == 0 {
		fmt.Fprintln(&b, "Status: OK")
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "No vet issues found.")
		return b.String()
	}

	fmt.Fprintf(&b, "Status: %d issues found\n", len(s.Issues)+len(s.Other))
	fmt.Fprintln(&b)
	for _, issue := range s.Issues {
		fmt.Fprintf(&b, "%s:%d:%d: %s\n", issue.File, issue.Line, issue.Column, issue.Message)
	}
	for _, line := range s.Other {
		fmt.Fprintln(&b, line)
	}
	return b.String()
}

// Vet runs go vet over packages.
func (e *Engine) Vet(ctx context.Context, packages []string) (*VetSummary, error) {
	argv := []string{"go", "vet"}
	argv = append(argv, e.Config.Vet.Args...)
	argv = append(argv, e.ResolvePackages(packages)...)

	result, err := e.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("executing go vet: %w", err)
	}

	summary := parseVetOutput(result.Stderr)
	if result.ExitCode != 0 && len(summary.Issues) == 0 && len(summary.Other) == 0 {
		summary.Other = append(summary.Other, fmt.Sprintf("go vet exited %d", result.ExitCode))
	}
	e.logger().Debug("vet finished", zap.Int("issues", len(summary.Issues)))
	return summary, nil
}

var vetDiagnostic = regexp.MustCompile(`^(.+\.go):(\d+):(\d+): (.+)$`)

// parseVetOutput reads go vet's stderr. Diagnostics are grouped under
// "# <package>" headers.
func parseVetOutput(stderr []byte) *VetSummary {
	s := &VetSummary{}
	pkg := ""

	sc := bufio.NewScanner(bytes.NewReader(stderr))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "# "):
			// Newer toolchains repeat the header as "# [pkg]".
			pkg = strings.Trim(strings.TrimPrefix(line, "# "), "[]")
		default:
			m := vetDiagnostic.FindStringSubmatch(line)
			if m == nil {
				s.Other = append(s.Other, line)
				continue
			}
			ln, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			issuePkg := pkg
			if issuePkg == "" {
				issuePkg = derivePackageFromFile(m[1])
			}
			s.Issues = append(s.Issues, VetIssue{
				Package: issuePkg,
				File:    m[1],
				Line:    ln,
				Column:  col,
				Message: m[4],
			})
		}
	}
	return s
}
