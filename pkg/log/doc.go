// Package log provides the structured logger shared by every component:
// a zerolog instance configured once via Init, with component-scoped
// child loggers (WithComponent) so log lines carry the fields an
// operator greps for without hand-formatting strings at each call site.
// Logs go to stderr; stdout belongs to subcommand results.
package log
