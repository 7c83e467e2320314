package engine

import (
	"fmt"
	"net/url"
	"strings"

	"missionline/internal/domain"
)

// Check is a single verification rule outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the aggregate outcome of submission verification.
type Verdict struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

func (v Verdict) Summary() string {
	if v.Passed {
		return "all checks passed"
	}
	var failed []string
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return "failed: " + strings.Join(failed, ", ")
}

// VerifySubmission runs the mechanical checks a deal attaches to submissions.
// It has no side effects; callers decide what the verdict means for the
// mission state machine.
func VerifySubmission(req domain.Requirements, submissionURL, content string) Verdict {
	var v Verdict

	u, err := url.Parse(submissionURL)
	urlOK := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	c := Check{Name: "submission_url", Passed: urlOK}
	if !urlOK {
		c.Detail = "must be an absolute http(s) URL"
	}
	v.Checks = append(v.Checks, c)

	lower := strings.ToLower(content)

	if req.DisclosureTag != "" {
		tag := strings.ToLower(req.DisclosureTag)
		c := Check{Name: "disclosure_tag", Passed: strings.Contains(lower, tag)}
		if !c.Passed {
			c.Detail = fmt.Sprintf("content must include %q", req.DisclosureTag)
		}
		v.Checks = append(v.Checks, c)
	}

	if req.RequiredLink != "" {
		c := Check{Name: "required_link", Passed: strings.Contains(lower, strings.ToLower(req.RequiredLink))}
		if !c.Passed {
			c.Detail = fmt.Sprintf("content must link to %s", req.RequiredLink)
		}
		v.Checks = append(v.Checks, c)
	}

	for _, h := range req.Hashtags {
		want := strings.ToLower(h)
		if !strings.HasPrefix(want, "#") {
			want = "#" + want
		}
		c := Check{Name: "hashtag:" + want, Passed: strings.Contains(lower, want)}
		if !c.Passed {
			c.Detail = fmt.Sprintf("content must include %s", want)
		}
		v.Checks = append(v.Checks, c)
	}

	v.Passed = true
	for _, c := range v.Checks {
		if !c.Passed {
			v.Passed = false
			break
		}
	}
	return v
}
