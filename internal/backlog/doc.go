// Package backlog reads and updates the task backlog that drives a run.
//
// Three storage variants implement [Source]:
//
//   - [Checklist]: a markdown document of "- [ ] title" / "- [x] title" lines
//   - [Structured]: a YAML document with a "tasks:" list that supports
//     parallel groups
//   - [RemoteIssues]: GitHub issues accessed through the gh CLI
//
// Use [New] to build the variant selected by configuration. Sources never
// cache: every call re-reads the backing store, so a scheduler that needs a
// stable view takes one snapshot with [Source.All].
//
// Tracker failures are returned as errors wrapping
// [errors.ErrTrackerUnavailable] or [errors.ErrAuthRequired]; an empty result
// always means the backlog was read and nothing matched.
package backlog
