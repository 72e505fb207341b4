package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

var sectionRoles = map[string]Role{
	"symptom":      RoleSymptom,
	"symptoms":     RoleSymptom,
	"diagnosis":    RoleDiagnosis,
	"diagnoses":    RoleDiagnosis,
	"formula":      RoleFormula,
	"formulas":     RoleFormula,
	"prescription": RoleFormula,
	"branch":       RoleBranch,
	"branches":     RoleBranch,
	"variations":   RoleBranch,
}

var narrativeSections = map[string]bool{
	"reasoning": true,
	"narrative": true,
	"notes":     true,
}

var metaLineRe = regexp.MustCompile(`(?i)^\s*(id|owner)\s*:\s*(.+?)\s*$`)

// ParseMarkdown builds a pattern from an authored document:
//
//	# Common cold
//	id: cold-wind-1
//	owner: dr-li
//
//	## Symptoms
//	- chills with mild fever
//	## Diagnosis
//	- wind-cold invading the exterior
//	## Formula
//	- ginger and scallion decoction
//	## Reasoning
//	Free text paragraphs become the narrative.
//
// "owner: shared" puts the pattern in the shared pool; no owner line makes
// it global. Unknown sections are ignored.
func ParseMarkdown(src []byte) (*Pattern, error) {
	doc := goldmark.New().Parser().Parse(gtext.NewReader(src))

	p := &Pattern{}
	var narrative []string
	var role Role
	inNarrative := false
	preamble := true

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := inlineText(node, src)
			if node.Level == 1 && p.DiseaseLabel == "" {
				p.DiseaseLabel = title
				continue
			}
			preamble = false
			key := strings.ToLower(strings.TrimSpace(title))
			role = sectionRoles[key]
			inNarrative = narrativeSections[key]

		case *ast.List:
			items := listItems(node, src)
			switch {
			case role != "":
				for _, item := range items {
					p.Nodes = append(p.Nodes, Node{Role: role, Content: item})
				}
			case inNarrative || preamble:
				narrative = append(narrative, items...)
			}

		case *ast.Paragraph:
			body := paragraphText(node, src)
			if preamble {
				body = p.applyMeta(body)
				if body == "" {
					continue
				}
			}
			switch {
			case role != "":
				p.Nodes = append(p.Nodes, Node{Role: role, Content: collapse(body)})
			case inNarrative || preamble:
				narrative = append(narrative, body)
			}
		}
	}

	if strings.TrimSpace(p.DiseaseLabel) == "" {
		return nil, fmt.Errorf("pattern document has no '# <disease label>' heading")
	}
	p.Narrative = strings.TrimSpace(strings.Join(narrative, "\n\n"))
	return p, nil
}

// applyMeta consumes id/owner lines and returns the remaining text.
func (p *Pattern) applyMeta(body string) string {
	var rest []string
	for _, line := range strings.Split(body, "\n") {
		m := metaLineRe.FindStringSubmatch(line)
		if m == nil {
			rest = append(rest, line)
			continue
		}
		switch strings.ToLower(m[1]) {
		case "id":
			p.ID = m[2]
		case "owner":
			switch v := strings.ToLower(m[2]); v {
			case "global", "none":
				p.OwnerID = nil
			case "shared":
				owner := SharedOwner
				p.OwnerID = &owner
			default:
				owner := m[2]
				p.OwnerID = &owner
			}
		}
	}
	return strings.TrimSpace(strings.Join(rest, "\n"))
}

// listItems flattens a list, nested items included, into one string per
// item.
func listItems(list *ast.List, src []byte) []string {
	var out []string
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		var parts []string
		var nested []string
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				nested = append(nested, listItems(sub, src)...)
				continue
			}
			if s := collapse(paragraphText(c, src)); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			out = append(out, strings.Join(parts, " "))
		}
		out = append(out, nested...)
	}
	return out
}

// paragraphText returns a block's inline text with line breaks kept.
func paragraphText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func inlineText(n ast.Node, src []byte) string {
	return collapse(paragraphText(n, src))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
