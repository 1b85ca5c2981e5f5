package policy

// GetBuiltinPolicies returns the policies every guard starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		frozenHostPolicy(),
		destructiveCommandPolicy(),
	}
}

// frozenHostPolicy refuses hosts whose froyo_frozen variable is true.
func frozenHostPolicy() Policy {
	return Policy{
		Name:        "frozen-host",
		Description: "Refuses to dispatch to hosts marked froyo_frozen",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package froyo.builtin.frozen

import rego.v1

deny contains msg if {
	input.vars.froyo_frozen == true
	not input.task.check
	msg := sprintf("host %s is frozen", [input.host])
}
`,
	}
}

// destructiveCommandPolicy refuses commands that would wipe the root
// filesystem.
func destructiveCommandPolicy() Policy {
	return Policy{
		Name:        "destructive-command",
		Description: "Refuses rm -rf / and similar root wipes",
		Severity:    SeverityCritical,
		Builtin:     true,
		Rego: `package froyo.builtin.destructive

import rego.v1

command_modules := {"raw", "command", "shell"}

deny contains msg if {
	input.task.module in command_modules
	regex.match("rm\\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\\s+(--no-preserve-root\\s+)?/(\\*)?(\\s|;|&|$)", input.task.args)
	msg := sprintf("refusing to remove the root filesystem on %s", [input.host])
}
`,
	}
}
