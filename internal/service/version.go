package service

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// comparator is one clause of a version requirement.
type comparator struct {
	op      string
	version string
	parts   int
}

// Requirement is a parsed platform version requirement such as
// ">=1.2, <2" or "~1.0". An empty requirement accepts every version.
//
// Supported operators are =, >, >=, <, <=, ~ and ^. A clause without an
// operator is treated as ^. Partial versions are allowed: "1.2" means
// 1.2.0 as a bound and 1.2.x for = and ~.
type Requirement struct {
	clauses []comparator
}

// ParseRequirement parses a comma separated requirement.
func ParseRequirement(s string) (Requirement, error) {
	var req Requirement
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return req, nil
	}

	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		op := ""
		for _, candidate := range []string{">=", "<=", ">", "<", "=", "~", "^"} {
			if strings.HasPrefix(clause, candidate) {
				op = candidate
				break
			}
		}
		raw := strings.TrimSpace(strings.TrimPrefix(clause, op))
		if op == "" {
			op = "^"
		}

		version, parts, err := canonicalPartial(raw)
		if err != nil {
			return Requirement{}, fmt.Errorf("invalid clause %q: %w", clause, err)
		}
		req.clauses = append(req.clauses, comparator{op: op, version: version, parts: parts})
	}
	return req, nil
}

// canonicalPartial turns "1", "1.2" or "1.2.3" into a canonical semver
// string and reports how many components were given.
func canonicalPartial(s string) (string, int, error) {
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return "", 0, fmt.Errorf("missing version")
	}
	core := s
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := len(strings.Split(core, "."))
	if parts > 3 {
		return "", 0, fmt.Errorf("too many components in %q", s)
	}
	v := semver.Canonical("v" + s)
	if v == "" {
		return "", 0, fmt.Errorf("%q is not a valid version", s)
	}
	return v, parts, nil
}

// Matches reports whether version satisfies every clause.
func (r Requirement) Matches(version string) bool {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return false
	}
	for _, c := range r.clauses {
		if !c.matches(version) {
			return false
		}
	}
	return true
}

// String returns the requirement in canonical form.
func (r Requirement) String() string {
	if len(r.clauses) == 0 {
		return "*"
	}
	out := make([]string, len(r.clauses))
	for i, c := range r.clauses {
		out[i] = c.op + strings.TrimPrefix(c.version, "v")
	}
	return strings.Join(out, ", ")
}

func (c comparator) matches(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "=":
		if c.parts == 3 {
			return cmp == 0
		}
		return cmp >= 0 && semver.Compare(v, c.upper(c.parts)) < 0
	case "~":
		return cmp >= 0 && semver.Compare(v, c.upper(min(c.parts, 2))) < 0
	case "^":
		return cmp >= 0 && semver.Compare(v, c.caretUpper()) < 0
	}
	return false
}

// upper returns the exclusive upper bound obtained by bumping the
// component at position keep (1 = major, 2 = minor, 3 = patch).
func (c comparator) upper(keep int) string {
	major, minor, patch := c.numbers()
	switch keep {
	case 1:
		return fmt.Sprintf("v%d.0.0", major+1)
	case 2:
		return fmt.Sprintf("v%d.%d.0", major, minor+1)
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch+1)
}

// caretUpper bumps the left-most non-zero component that was given.
func (c comparator) caretUpper() string {
	major, minor, _ := c.numbers()
	switch {
	case major > 0 || c.parts == 1:
		return c.upper(1)
	case minor > 0 || c.parts == 2:
		return c.upper(2)
	}
	return c.upper(3)
}

func (c comparator) numbers() (major, minor, patch int) {
	core := strings.TrimPrefix(c.version, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	fields := strings.SplitN(core, ".", 3)
	nums := make([]int, 3)
	for i, f := range fields {
		nums[i], _ = strconv.Atoi(f)
	}
	return nums[0], nums[1], nums[2]
}
