package stream

import (
	"net/url"
	"strings"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/pathutil"
)

// staticPath maps an attachment URL of the form [//host]/<module>/static/<resource>
// to a file under the trusted roots. URLs naming another host never match.
func (r *Resolver) staticPath(raw, host string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	// "/web/static/img/a.png" -> "", "web", "static", "img/a.png"
	parts := strings.SplitN(u.Path, "/", 4)
	if len(parts) != 4 {
		return "", false
	}
	pathHost, module, static, resource := parts[0], parts[1], parts[2], parts[3]

	if (u.Host != "" && u.Host != host) || (pathHost != "" && pathHost != host) {
		return "", false
	}
	if module == "" || static != "static" || resource == "" {
		return "", false
	}
	if pathutil.HasDotSegments(module + "/" + resource) {
		return "", false
	}

	p, err := pathutil.Resolve(r.roots, module+"/static/"+resource, nil)
	if err != nil {
		return "", false
	}
	return p, true
}
