package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ErrorDetail is a single schema violation in a config file.
type ErrorDetail struct {
	Path    string // bus.reconcile.duration
	Code    string // unknown_field | missing_required | conflicting_values | invalid_enum | validation_error
	Message string
	Line    int
	Column  int
}

func (d ErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.Int("line", d.Line),
		slog.Int("column", d.Column),
	)
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|out of bound|does not match`)
	reEnum       = regexp.MustCompile(`(?i)empty disjunction|must be one of`)
)

// enumFields are schema paths whose violations list the accepted values.
var enumFields = []string{
	"engine.kind",
	"log.level",
	"log.format",
	"tracing.exporter",
}

// ErrDetails splits an error returned by ValidateYAML into one ErrorDetail
// per offending position. Errors not coming from CUE yield a single detail.
func ErrDetails(err error) []ErrorDetail {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []ErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}

	type pos struct{ line, col int }
	seen := make(map[pos]struct{})
	var out []ErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		line, col := position(e)
		if _, ok := seen[pos{line, col}]; ok && line != 0 {
			continue
		}
		seen[pos{line, col}] = struct{}{}

		code, msg := classify(raw, path)
		if code == "invalid_enum" || code == "conflicting_values" {
			if values := enumValues(path); len(values) > 0 {
				code = "invalid_enum"
				msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			}
		}
		out = append(out, ErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Line:    line,
			Column:  col,
		})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Field %s has invalid value", last(path))
	default:
		return "validation_error", raw
	}
}

func enumValues(path string) []string {
	found := false
	for _, f := range enumFields {
		if f == path {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	var v cue.Value = schema
	for _, sel := range strings.Split(path, ".") {
		v = v.LookupPath(cue.MakePath(cue.Str(sel).Optional()))
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil {
			values = append(values, s)
		}
	}
	return values
}

func position(err cueerrors.Error) (line, col int) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == "" || !strings.HasSuffix(p.Filename(), ".yaml") {
			continue
		}
		return p.Line(), p.Column()
	}
	return 0, 0
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
