package main

import (
	"testing"

	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/service"
)

func TestResolveAction(t *testing.T) {
	catalog, err := service.NewActionCatalog(service.DefaultActionDefinitions())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	cases := map[string]schema.ActionCode{
		"praise":         schema.ActionPraise,
		" Cancel_Follow": schema.ActionCancelFollow,
		"9":              schema.ActionCheckIn,
		"42":             42,
	}
	for raw, want := range cases {
		got, err := resolveAction(catalog, raw)
		if err != nil || got != want {
			t.Errorf("resolveAction(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	if _, err := resolveAction(catalog, "dance"); err == nil {
		t.Errorf("expected error for unknown action name")
	}
}

func TestParseTargetType(t *testing.T) {
	cases := map[string]schema.TargetType{
		"article": schema.TargetArticle,
		"2":       schema.TargetComment,
		"USER":    schema.TargetUser,
	}
	for raw, want := range cases {
		got, err := parseTargetType(raw)
		if err != nil || got != want {
			t.Errorf("parseTargetType(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	if _, err := parseTargetType("video"); err == nil {
		t.Errorf("expected error for unknown target type")
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName(service.LeaderboardEntry{UserID: 7, Nickname: "  "}); got != "user-7" {
		t.Errorf("blank nickname: got %q", got)
	}
	if got := displayName(service.LeaderboardEntry{UserID: 7, Nickname: "neo"}); got != "neo" {
		t.Errorf("nickname: got %q", got)
	}
}
