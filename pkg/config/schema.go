package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// declarationSchema constrains CUE declaration files. YAML files are checked
// by struct tags instead; both paths end in the same semantic checks.
const declarationSchema = `
#PackageAction: "install" | "upgrade" | "remove" | "purge" | "lock" | "unlock" | "nothing"
#GroupAction:   "create" | "manage" | "modify" | "remove" | "nothing"
#ServiceAction: "enable" | "disable" | "start" | "stop" | "restart" | "reload" | "nothing"

#Item: {
	name:              string & !=""
	epoch?:            string & =~"^[0-9]+$"
	arch?:             string
	version?:          string
	source?:           string
	options?:          [...string]
	allow_downgrade?:  bool
	gid?:              int & >=0
	members?:          [...string]
	excluded_members?: [...string]
	append?:           bool
}

#Resource: {
	name:      string & !=""
	kind:      "package" | "group" | "service"
	action?:   string
	actions?:  [...string]
	provider?: string
	items:     [#Item, ...#Item]

	if kind == "package" {
		action?: #PackageAction
	}
	if kind == "group" {
		action?: #GroupAction
	}
	if kind == "service" {
		action?:  #ServiceAction
		actions?: [...#ServiceAction]
	}
}

#File: {
	version?:  string
	resources: [...#Resource]
}
`

func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(declarationSchema, cue.Filename("declaration.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile declaration schema: %w", err)
	}
	file := val.LookupPath(cue.ParsePath("#File"))
	if !file.Exists() {
		return cue.Value{}, fmt.Errorf("declaration schema has no #File definition")
	}
	return file, nil
}
