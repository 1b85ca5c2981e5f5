// Package policy evaluates Rego policies before a host is dispatched.
//
// A policy is a Rego module whose package lives under froyo, for example
// froyo.hosts, and that defines a deny set. Each entry is either a message
// string or an object with msg and severity fields:
//
//	package froyo.maintenance
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.vars.maintenance == true
//	    msg := sprintf("%s is in maintenance", [input.host])
//	}
//
// The input document is:
//
//	{
//	    "host": "web1",
//	    "vars": { ...resolved host variables, secrets redacted... },
//	    "task": {"module": "shell", "args": "uptime", "check": false, "run_id": "..."}
//	}
//
// Entries with severity error or critical (the default) deny the host;
// warning and info entries are logged only.
//
// # Usage
//
//	guard, err := policy.NewGuard(logger)
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/froyo/policies"}); err != nil {
//	    return err
//	}
//	decision, err := guard.Check(ctx, policy.Input{Host: "web1", Vars: vars, Task: task})
//
// Loaders can watch their paths with fsnotify and hand reloaded policies to
// Guard.Replace.
package policy
