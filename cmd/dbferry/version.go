package main

import "strings"

// Set with -ldflags at release time.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func versionString() string {
	return formatVersion(buildVersion, buildCommit)
}

func formatVersion(version, commit string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	if v != "dev" {
		return v
	}
	if c := shortCommit(commit); c != "" {
		return "dev-" + c
	}
	return "dev"
}

func shortCommit(commit string) string {
	c := strings.TrimSpace(commit)
	if c == "" || c == "unknown" {
		return ""
	}
	return c[:min(len(c), 7)]
}
