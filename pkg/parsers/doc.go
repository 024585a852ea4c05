// Package parsers turns the textual output of package, group and service
// tools into structured values. Parsers are pure functions over strings;
// running the tools is the job of package runner.
package parsers
