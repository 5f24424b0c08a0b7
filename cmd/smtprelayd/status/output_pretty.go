/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/smtprelay/server"
)

const prettyTemplate = `
{{- Bold "listen"}}: {{.ListenAddress}}
  {{Bold "started"}}: {{Time .Started}}
  {{Bold "sessions"}}: {{.Sessions}}

{{WithRulesColor (Bold "rules")}}: {{WithRulesColor .RulesPath}}
  {{Bold "loaded"}}: {{if .RulesLoaded}}{{Time .RulesLoaded}}{{else}}never{{end}}
  {{- if .RulesError}}
  {{Bold "error"}}: {{WithErrorColor .RulesError}}
  {{- end}}
  {{Bold "domains"}}:
    {{- if .Domains}}{{- range .Domains}}
    - {{.}}
    {{- end}}
    {{- else}}
    - none
    {{- end}}

{{Bold "messages"}}:
  {{- if .Messages}}{{- range Counters .Messages}}
  {{.Name}}: {{.Count}}
  {{- end}}
  {{- else}}
  none
  {{- end}}
{{- with .LastMessage}}
  {{Bold "last"}}: {{Time .When}} {{.Outcome}}
    {{Bold "reply"}}: {{WithReplyColor .Reply}}
    {{- if .Target}}
    {{Bold "target"}}: {{.Target}}
    {{- end}}
    {{- if .Rejected}}
    {{Bold "rejected recipients"}}: {{.Rejected}}
    {{- end}}
{{- end}}
`

type counter struct {
	Name  string
	Count uint64
}

func templateFuncs(p termenv.Profile, status *server.Status) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithRulesColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.RulesError == nil && status.RulesLoaded != nil {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"WithErrorColor": func(value *string) string {
			return termenv.String(*value).Foreground(nokColor).String()
		},
		"WithReplyColor": func(value string) string {
			s := termenv.String(value)
			if len(value) > 0 && value[0] == '2' {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"Time": func(value interface{}) string {
			switch t := value.(type) {
			case time.Time:
				return t.Local().Format(time.RFC3339)
			case *time.Time:
				return t.Local().Format(time.RFC3339)
			}
			return fmt.Sprintf("%v", value)
		},
		"Counters": func(messages map[string]uint64) []counter {
			counters := make([]counter, 0, len(messages))
			for name, count := range messages {
				counters = append(counters, counter{name, count})
			}
			sort.Slice(counters, func(i, j int) bool {
				return counters[i].Name < counters[j].Name
			})
			return counters
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	return outputPrettyWithProfile(w, termenv.ColorProfile(), status)
}

func outputPrettyWithProfile(w io.Writer, p termenv.Profile, status *server.Status) error {
	// Load helpers and template.
	f := templateFuncs(p, status)
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}
