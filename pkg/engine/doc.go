// Package engine implements resource convergence for packages, groups and
// services.
//
// # Overview
//
// Every identity in a request moves through the same phases:
//
//	UNRESOLVED -> CURRENT_KNOWN -> CANDIDATE_KNOWN -> ACTION_DECIDED -> APPLIED -> VERIFIED
//
// with ERROR as the terminal failure phase. Current state is resolved for
// the whole batch in one backend call, candidates only for install and
// upgrade, and identities that decide the same action are applied together
// when the backend supports it. After a mutation the affected cache entries
// are invalidated, the backend is flushed and current state is read again;
// an identity is "updated" only when the re-read state differs.
//
// # Backends
//
// Native tools are reached through small capability interfaces:
//
//   - PackageBackend: batched current/candidate queries, Apply, Flush, Compare
//   - VirtualResolver: maps virtual package names to concrete providers
//   - Locker: version locks
//   - GroupBackend and MemberSetter: group lifecycle and membership
//   - ServiceBackend: enable, disable, start, stop, restart, reload
//
// Concrete backends live under pkg/providers and are selected per platform
// through a Registry.
//
// # Errors
//
// Errors are EngineError values carrying a class and a code:
//
//   - NOT_FOUND: no current or candidate state (soft)
//   - AMBIGUOUS_RESOLUTION: a virtual name with several providers
//   - TOOL_UNAVAILABLE: a native tool is missing at preflight
//   - TOOL_EXECUTION and TIMEOUT: a command failed; stdout and stderr are in Details
//   - UNSUPPORTED_OPERATION: the provider never supports the action
//   - VALIDATION_ERROR: the declaration is invalid
//
// A failed identity never stops its siblings. Report.Err joins every
// identity error.
//
// # Example
//
//	eng := engine.NewPackageEngine(backend, engine.WithNotificationSink(sink))
//	report, err := eng.Converge(ctx, engine.Request{
//	    Resource: "package[tools]",
//	    Kind:     engine.KindPackage,
//	    Action:   engine.ActionInstall,
//	    Items:    []engine.DesiredState{{Identity: engine.Identity{Name: "git"}}},
//	})
package engine
