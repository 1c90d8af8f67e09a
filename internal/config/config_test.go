package config

import (
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func required() map[string]string {
	return map[string]string{
		"JWKS_URL":       "https://idp.example.com/.well-known/jwks.json",
		"JWT_ISSUER":     "https://idp.example.com/",
		"DOWNSTREAM_URL": "http://worker:9000",
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse(env(required()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "8080" || cfg.DefaultPlan != "free" {
		t.Errorf("port %s plan %s", cfg.Port, cfg.DefaultPlan)
	}
	if cfg.SystemDatabaseURL != cfg.DatabaseURL {
		t.Errorf("system url should default to DATABASE_URL")
	}
	if cfg.JWKSTTL != time.Hour || cfg.JWKSHardExpiry != 24*time.Hour {
		t.Errorf("ttl %v hard %v", cfg.JWKSTTL, cfg.JWKSHardExpiry)
	}
	if cfg.WorkDeadline != 50*time.Second || cfg.ReconcileAfter != 100*time.Second {
		t.Errorf("deadline %v reconcile %v", cfg.WorkDeadline, cfg.ReconcileAfter)
	}
	if len(cfg.AdminSubjects) != 0 {
		t.Errorf("admins = %v", cfg.AdminSubjects)
	}
}

func TestParse_Overrides(t *testing.T) {
	vars := required()
	vars["ADMIN_SUBJECTS"] = " auth0|a , ,auth0|b"
	vars["CORS_ORIGINS"] = "https://app.example.com"
	vars["WORK_DEADLINE"] = "10s"
	vars["SYSTEM_DATABASE_URL"] = "postgres://system@db/tokengate"
	cfg, err := parse(env(vars))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.Join(cfg.AdminSubjects, ";") != "auth0|a;auth0|b" {
		t.Errorf("admins = %q", cfg.AdminSubjects)
	}
	if cfg.ReconcileAfter != 20*time.Second {
		t.Errorf("reconcile after = %v", cfg.ReconcileAfter)
	}
	if cfg.SystemDatabaseURL != "postgres://system@db/tokengate" {
		t.Errorf("system url = %s", cfg.SystemDatabaseURL)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing required": {},
		"bad duration":     {"WORK_DEADLINE": "soon"},
		"negative":         {"JWKS_TTL": "-1h"},
		"hard < ttl":       {"JWKS_TTL": "2h", "JWKS_HARD_EXPIRY": "1h"},
		"reconcile window": {"WORK_DEADLINE": "1m", "RECONCILE_AFTER": "30s"},
	}
	for name, overrides := range cases {
		vars := required()
		if name == "missing required" {
			vars = map[string]string{}
		}
		for k, v := range overrides {
			vars[k] = v
		}
		if _, err := parse(env(vars)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
