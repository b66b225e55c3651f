package fetch

import (
	"net/http"
	"strings"
)

// cookieJar accumulates cookies across a redirect chain in insertion order.
type cookieJar struct {
	order  []string
	values map[string]string
}

func newCookieJar(header string) *cookieJar {
	j := &cookieJar{values: make(map[string]string)}
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		j.set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return j
}

func (j *cookieJar) set(name, value string) {
	if _, ok := j.values[name]; !ok {
		j.order = append(j.order, name)
	}
	j.values[name] = value
}

func (j *cookieJar) remove(name string) {
	if _, ok := j.values[name]; !ok {
		return
	}
	delete(j.values, name)
	for i, n := range j.order {
		if n == name {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

// merge applies Set-Cookie header lines.
func (j *cookieJar) merge(lines []string) {
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		if c.MaxAge < 0 {
			j.remove(c.Name)
			continue
		}
		j.set(c.Name, c.Value)
	}
}

func (j *cookieJar) header() string {
	parts := make([]string, 0, len(j.order))
	for _, name := range j.order {
		parts = append(parts, name+"="+j.values[name])
	}
	return strings.Join(parts, "; ")
}
