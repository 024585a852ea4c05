// Package config loads declarations and agent settings.
//
// Declarations are YAML or CUE files listing resources to converge:
//
//	resources:
//	  - name: web-packages
//	    kind: package
//	    action: install
//	    items:
//	      - name: nginx
//	        version: ">= 1.22"
//	  - name: nginx
//	    kind: service
//	    actions: [enable, start]
//	    items:
//	      - name: nginx
//
// CUE sources are unified with a built-in schema first, so errors carry file
// positions. Both formats are then checked with validator struct tags and
// against the actions each kind accepts. A Declaration becomes one
// engine.Request per action.
//
// Settings are YAML over DefaultSettings and tune command timeouts, the
// package query helper, provider overrides, the report database and
// telemetry.
package config
