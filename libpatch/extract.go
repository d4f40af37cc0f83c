package libpatch

import "strings"

// ExtractScript pulls a shell script out of an LLM response. Responses may
// be prose around a fenced block, a bare fenced block, or a bare script.
// Preference: a ```bash fence, then ```sh, then any fence, then the whole
// response stripped of surrounding whitespace.
func ExtractScript(content string) string {
	for _, open := range []string{"```bash", "```sh"} {
		if body, ok := fenced(content, open, false); ok {
			return strings.TrimSpace(body)
		}
	}
	if body, ok := fenced(content, "```", true); ok {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(content)
}

// fenced returns the text between the opening fence and the next ```. An
// unterminated fence takes everything after the opener. When anyLang is
// false the opener must end its own line, so "```shell" does not satisfy a
// "```sh" search; when true any language token is skipped.
func fenced(s, open string, anyLang bool) (string, bool) {
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(open):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	if !anyLang && strings.TrimSpace(rest[:nl]) != "" {
		return "", false
	}
	rest = rest[nl+1:]
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return rest, true
}
