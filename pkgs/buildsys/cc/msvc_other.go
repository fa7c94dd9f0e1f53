//go:build !windows

package cc

func findMSVC() (string, bool) { return "", false }

func siblingTool(_, name string) string { return name }
