package engine_test

import (
	"testing"

	"missionline/internal/domain"
	"missionline/internal/engine"
)

func TestVerifySubmission(t *testing.T) {
	req := domain.Requirements{
		DisclosureTag: "#ad",
		RequiredLink:  "https://shop.example.com",
		Hashtags:      []string{"launch", "#Promo"},
	}

	v := engine.VerifySubmission(req, "https://x.example.com/p/1",
		"Big news! #AD #launch #promo, get it at https://shop.example.com today")
	if !v.Passed {
		t.Fatalf("want pass, got %s", v.Summary())
	}
	if len(v.Checks) != 5 {
		t.Fatalf("checks = %d, want 5", len(v.Checks))
	}

	v = engine.VerifySubmission(req, "https://x.example.com/p/1",
		"Big news! #launch #promo, get it at https://shop.example.com")
	if v.Passed {
		t.Fatal("want fail without disclosure tag")
	}
	if v.Summary() != "failed: disclosure_tag" {
		t.Fatalf("summary = %q", v.Summary())
	}

	for _, bad := range []string{"", "not a url", "ftp://example.com/x", "/relative/path", "https://"} {
		v = engine.VerifySubmission(domain.Requirements{}, bad, "")
		if v.Passed {
			t.Errorf("url %q should fail", bad)
		}
	}

	// hashtags gain a leading # when the deal omits it
	v = engine.VerifySubmission(domain.Requirements{Hashtags: []string{"promo"}},
		"https://x.example.com/p", "promo without the tag")
	if v.Passed {
		t.Fatal("bare word must not satisfy a hashtag check")
	}
}

func TestSubmitFailedVerification(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{DisclosureTag: "#ad"})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	m, err := env.Engine.SubmitMission(env.Ctx, "op-1", m.ID, "https://example.com/p", "no disclosure here")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != domain.MissionRejected {
		t.Fatalf("status = %s, want rejected", m.Status)
	}
	if m.VerificationDetail == nil || *m.VerificationDetail == "" {
		t.Fatal("verification detail missing")
	}

	// a rejected mission keeps its consumed slot
	got, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if got.SlotsSelected != 1 {
		t.Fatalf("slots_selected = %d, want 1", got.SlotsSelected)
	}
	// terminal: no resubmission
	if _, err := env.Engine.SubmitMission(env.Ctx, "op-1", m.ID, "https://example.com/p", "#ad"); err == nil {
		t.Fatal("resubmit after rejection should fail")
	}
}

func TestTrustLevels(t *testing.T) {
	cases := []struct {
		name  string
		agent domain.Agent
		want  domain.TrustLevel
	}{
		{"fresh", domain.Agent{}, domain.TrustNew},
		{"suspended", domain.Agent{Suspended: true, PaidCount: 100}, domain.TrustSuspended},
		{"warning", domain.Agent{PaidCount: 100, OverdueCount: 2}, domain.TrustWarning},
		{"excellent", domain.Agent{PaidCount: 99, OverdueCount: 1}, domain.TrustExcellent},
		{"good", domain.Agent{PaidCount: 10, OverdueCount: 1}, domain.TrustGood},
		{"below good ratio", domain.Agent{PaidCount: 8, OverdueCount: 1}, domain.TrustNew},
		{"few paid", domain.Agent{PaidCount: 5}, domain.TrustNew},
	}
	for _, c := range cases {
		if got := engine.TrustLevelFor(c.agent); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}
